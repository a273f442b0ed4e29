package sessions

import (
	"sync"

	"github.com/vango-go/meetbridge/pkg/gateway/live/pump"
)

// bindings routes outbound frames to the sockets attached to each bot. A
// binding lives as long as its socket: only Detach calls remove one.
type bindings struct {
	bindMu  sync.RWMutex
	control map[string]pump.Sender // bot id -> control socket
	ui      map[string]pump.Sender // session id -> UI socket
	uiByBot map[string]string      // bot id -> session id
}

func newBindings() bindings {
	return bindings{
		control: make(map[string]pump.Sender),
		ui:      make(map[string]pump.Sender),
		uiByBot: make(map[string]string),
	}
}

// AttachControl binds conn as botID's control socket. The last attach wins.
func (b *bindings) AttachControl(botID string, conn pump.Sender) {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()
	b.control[botID] = conn
}

// DetachControl removes the binding only if it still points at conn, and
// reports whether it did.
func (b *bindings) DetachControl(botID string, conn pump.Sender) bool {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()
	if cur, ok := b.control[botID]; ok && cur == conn {
		delete(b.control, botID)
		return true
	}
	return false
}

func (b *bindings) ControlConn(botID string) pump.Sender {
	b.bindMu.RLock()
	defer b.bindMu.RUnlock()
	return b.control[botID]
}

// AttachUI binds conn under sessionID and, when botID is set, routes botID's
// mirror to it.
func (b *bindings) AttachUI(sessionID, botID string, conn pump.Sender) {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()
	b.ui[sessionID] = conn
	if botID != "" {
		b.uiByBot[botID] = sessionID
	}
}

// DetachUI removes sessionID's socket and every bot route pointing at it,
// provided the socket is still conn.
func (b *bindings) DetachUI(sessionID string, conn pump.Sender) {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()
	if cur, ok := b.ui[sessionID]; !ok || cur != conn {
		return
	}
	delete(b.ui, sessionID)
	for bot, sid := range b.uiByBot {
		if sid == sessionID {
			delete(b.uiByBot, bot)
		}
	}
}

func (b *bindings) UIConnForBot(botID string) pump.Sender {
	b.bindMu.RLock()
	defer b.bindMu.RUnlock()
	sid, ok := b.uiByBot[botID]
	if !ok {
		return nil
	}
	return b.ui[sid]
}

// Control and UI make the bindings a pump.Sink.
func (b *bindings) Control(botID string) pump.Sender { return b.ControlConn(botID) }

func (b *bindings) UI(botID string) pump.Sender { return b.UIConnForBot(botID) }
