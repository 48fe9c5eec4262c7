package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/points"
)

// Manager hands out one live Container per session id so that concurrent
// requests of the same session share its lock and checkout guard.
type Manager struct {
	mu        sync.Mutex
	store     Store
	live      map[string]*Container
	ledgerCap int
	nowFunc   func() time.Time
}

// NewManager returns a Manager over store. ledgerCap bounds the cached
// ledger of every new session.
func NewManager(store Store, ledgerCap int) *Manager {
	return &Manager{
		store:     store,
		live:      map[string]*Container{},
		ledgerCap: ledgerCap,
		nowFunc:   time.Now,
	}
}

// Get returns the live container for id, loading it from the store or
// starting a fresh session when none exists. A live container is refreshed
// from the store, since another process may have written the session. An
// empty id starts a new session with a generated id.
func (m *Manager) Get(ctx context.Context, id string) (*Container, error) {
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	if c, ok := m.live[id]; ok {
		// marked used before the lock is released so Sweep cannot evict it
		c.lastUsed.Store(m.nowFunc().UnixNano())
		m.mu.Unlock()
		if err := c.Refresh(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
	defer m.mu.Unlock()

	st, found, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		st = State{ID: id, Ledger: points.NewLocalBook(m.ledgerCap)}
	}
	c := newContainer(st, m.store, m.nowFunc)
	m.live[id] = c
	return c, nil
}

// Sweep drops containers idle for longer than idle and returns how many were
// evicted. Containers with a checkout in flight are kept. Evicted state stays
// in the store and is reloaded on the next Get.
func (m *Manager) Sweep(idle time.Duration) int {
	now := m.nowFunc()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, c := range m.live {
		since, busy := c.idleSince(now)
		if busy || since < idle {
			continue
		}
		delete(m.live, id)
		n++
	}
	if n > 0 {
		log.Debug().Int("evicted", n).Int("live", len(m.live)).Msg("[session] sweep")
	}
	return n
}

// Len is the number of live containers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}
