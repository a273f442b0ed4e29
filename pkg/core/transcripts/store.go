// Package transcripts keeps the text turns the bridge delivered to meetings.
package transcripts

import (
	"context"
	"sync"
	"time"
)

const (
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleUser      = "user"
)

// Turn is one flushed message.
type Turn struct {
	BotID     string    `json:"bot_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type Store interface {
	Append(ctx context.Context, turn Turn) error
	// List returns up to limit turns for botID, oldest first. limit <= 0
	// means no limit.
	List(ctx context.Context, botID string, limit int) ([]Turn, error)
	Close() error
}

// Memory is an in-process Store bounded per bot.
type Memory struct {
	maxPerBot int

	mu    sync.Mutex
	turns map[string][]Turn
}

func NewMemory(maxPerBot int) *Memory {
	if maxPerBot <= 0 {
		maxPerBot = 500
	}
	return &Memory{maxPerBot: maxPerBot, turns: make(map[string][]Turn)}
}

func (m *Memory) Append(ctx context.Context, turn Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.turns[turn.BotID], turn)
	if over := len(list) - m.maxPerBot; over > 0 {
		list = append([]Turn(nil), list[over:]...)
	}
	m.turns[turn.BotID] = list
	return nil
}

func (m *Memory) List(ctx context.Context, botID string, limit int) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.turns[botID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return append([]Turn(nil), list...), nil
}

func (m *Memory) Close() error { return nil }
