package sessions

import (
	"context"
	"sync"
)

// Socket channels.
const (
	ChannelControl = "control"
	ChannelAudio   = "audio"
	ChannelUI      = "ui"
)

// Handle lets the tracker reach one open socket during shutdown.
type Handle struct {
	Channel string
	BotID   string
	Close   func()
	Notify  func(message string) error
}

// Tracker counts open bridge sockets so shutdown can notify and close them.
type Tracker struct {
	mu    sync.Mutex
	conns map[string]*trackedConn
	wg    sync.WaitGroup
}

type trackedConn struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{conns: make(map[string]*trackedConn)}
}

// Register tracks connID until the returned func is called. Registering an id
// twice replaces the earlier entry.
func (t *Tracker) Register(connID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedConn{handle: h}

	t.mu.Lock()
	if t.conns == nil {
		t.conns = make(map[string]*trackedConn)
	}
	old := t.conns[connID]
	t.conns[connID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(connID, old)
	}

	return func() { t.unregister(connID, entry) }
}

func (t *Tracker) unregister(connID string, entry *trackedConn) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.conns[connID] == entry {
			delete(t.conns, connID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// CountByChannel returns open sockets per channel.
func (t *Tracker) CountByChannel() map[string]int {
	out := map[string]int{ChannelControl: 0, ChannelAudio: 0, ChannelUI: 0}
	if t == nil {
		return out
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.conns {
		out[e.handle.Channel]++
	}
	return out
}

func (t *Tracker) snapshot() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	hs := make([]Handle, 0, len(t.conns))
	for _, e := range t.conns {
		hs = append(hs, e.handle)
	}
	return hs
}

// NotifyAll sends message to every socket that accepts notices. Failures are
// ignored.
func (t *Tracker) NotifyAll(message string) (sent int) {
	if t == nil {
		return 0
	}
	for _, h := range t.snapshot() {
		if h.Notify == nil {
			continue
		}
		_ = h.Notify(message)
		sent++
	}
	return sent
}

func (t *Tracker) CloseAll() (closed int) {
	if t == nil {
		return 0
	}
	for _, h := range t.snapshot() {
		if h.Close == nil {
			continue
		}
		h.Close()
		closed++
	}
	return closed
}

// Wait blocks until every registered socket unregisters or ctx ends.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
