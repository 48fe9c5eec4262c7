// Package session holds the per-visitor state container: profile, cart,
// cached ledger and last order, loaded from and saved to a Store at explicit
// points rather than reached as ambient globals.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/apperr"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/cart"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/points"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/reqseq"
)

// Profile is the cached view of the logged-in user.
type Profile struct {
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
	PointsBalance int64  `json:"points_balance"`
}

// LastOrder is what the confirmation view shows after checkout.
type LastOrder struct {
	OrderID       string    `json:"order_id"`
	OrderCode     string    `json:"order_code"`
	CreatedAt     time.Time `json:"created_at"`
	PaymentStatus string    `json:"payment_status"`
}

// State is the persisted form of a session. Version is bumped by every
// successful Store.Save and guards concurrent writers.
type State struct {
	ID        string           `json:"id"`
	Version   int64            `json:"version"`
	User      *Profile         `json:"user,omitempty"`
	Cart      cart.Cart        `json:"cart"`
	Ledger    points.LocalBook `json:"ledger"`
	LastOrder *LastOrder       `json:"last_order,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func (s State) clone() State {
	out := s
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	if s.LastOrder != nil {
		lo := *s.LastOrder
		out.LastOrder = &lo
	}
	out.Cart = cart.Cart{Items: s.Cart.Lines()}
	out.Ledger.Entries = append([]points.Entry(nil), s.Ledger.Entries...)
	return out
}

func sameUser(a, b *Profile) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.UserID == b.UserID
}

// LedgerReader is the read side of the points ledger.
type LedgerReader interface {
	FetchRecent(ctx context.Context, userID string, limit int) ([]points.Entry, error)
}

// LedgerView is the result of RefreshLedger. Stale is set when the remote
// read failed and the cached entries are shown instead.
type LedgerView struct {
	Entries []points.Entry `json:"entries"`
	Stale   bool           `json:"stale"`
	Notice  string         `json:"notice,omitempty"`
}

// saveAttempts bounds the reload-apply-save loop under write contention.
const saveAttempts = 5

// Container guards one session's state in this process. Every mutation
// reloads the stored state, applies the change and saves it with a version
// check, so several processes can serve the same session.
type Container struct {
	mu       sync.Mutex
	state    State
	store    Store
	seq      reqseq.Sequencer
	inFlight atomic.Bool
	lastUsed atomic.Int64
	nowFunc  func() time.Time
}

func newContainer(st State, store Store, now func() time.Time) *Container {
	c := &Container{state: st, store: store, nowFunc: now}
	c.touch()
	return c
}

func (c *Container) touch() { c.lastUsed.Store(c.nowFunc().UnixNano()) }

// ID returns the session id.
func (c *Container) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.ID
}

// Snapshot returns a deep copy of the state as last loaded.
func (c *Container) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()
	return c.state.clone()
}

// Refresh reloads the state from the store.
func (c *Container) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reloadLocked(ctx)
}

func (c *Container) reloadLocked(ctx context.Context) error {
	st, found, err := c.store.Load(ctx, c.state.ID)
	if err != nil {
		log.Error().Err(err).Str("session_id", c.state.ID).Msg("[session] load failed")
		return err
	}
	if !found {
		// expired or deleted in the store; the next save recreates it
		c.state.Version = 0
		return nil
	}
	if !sameUser(c.state.User, st.User) {
		c.seq.Invalidate()
	}
	c.state = st
	return nil
}

// mutateLocked applies fn to the freshest stored state and saves the result.
// A save that lost a race with another writer is retried on reloaded state.
// c.mu must be held.
func (c *Container) mutateLocked(ctx context.Context, fn func(st *State) error) error {
	var err error
	for attempt := 1; attempt <= saveAttempts; attempt++ {
		if err = c.reloadLocked(ctx); err != nil {
			return err
		}
		next := c.state.clone()
		if err = fn(&next); err != nil {
			return err
		}
		next.UpdatedAt = c.nowFunc().UTC()
		err = c.store.Save(ctx, next)
		if errors.Is(err, ErrConflict) {
			log.Debug().Str("session_id", next.ID).Int("attempt", attempt).Msg("[session] concurrent write, retrying")
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("session_id", next.ID).Msg("[session] save failed")
			return err
		}
		next.Version++
		c.state = next
		c.touch()
		return nil
	}
	log.Error().Err(err).Str("session_id", c.state.ID).Msg("[session] giving up after concurrent writes")
	return err
}

// User returns the cached profile, if any.
func (c *Container) User() (Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.User == nil {
		return Profile{}, false
	}
	return *c.state.User, true
}

// SetUser records the logged-in user. A different identity than the cached
// one discards the cached ledger and supersedes pending ledger reads.
func (c *Container) SetUser(ctx context.Context, p Profile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mutateLocked(ctx, func(st *State) error {
		if st.User == nil || st.User.UserID != p.UserID {
			c.seq.Invalidate()
			st.Ledger = points.NewLocalBook(st.Ledger.Cap)
			st.LastOrder = nil
		}
		st.User = &p
		return nil
	})
}

// Logout forgets the user. The cart is kept.
func (c *Container) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq.Invalidate()
	return c.mutateLocked(ctx, func(st *State) error {
		st.User = nil
		st.Ledger = points.NewLocalBook(st.Ledger.Cap)
		st.LastOrder = nil
		return nil
	})
}

// SetBalance caches the remote balance minus the points still held by
// pending local entries, and returns that usable balance.
func (c *Container) SetBalance(ctx context.Context, userID string, remote int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var usable int64
	err := c.mutateLocked(ctx, func(st *State) error {
		if st.User == nil || st.User.UserID != userID {
			return reqseq.ErrStale
		}
		usable = remote + st.Ledger.PendingTotal()
		st.User.PointsBalance = usable
		return nil
	})
	return usable, err
}

// PendingEntries returns the local entries that still need to reach the
// remote ledger.
func (c *Container) PendingEntries() []points.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Ledger.Pending()
}

// PendingTotal is the sum of pending local amounts, as last loaded.
func (c *Container) PendingTotal() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Ledger.PendingTotal()
}

// ResolveLocal swaps a pending local entry for the remote entry that now
// records it. The cached balance already reflects the amount.
func (c *Container) ResolveLocal(ctx context.Context, userID, localID string, remote points.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mutateLocked(ctx, func(st *State) error {
		if st.User == nil || st.User.UserID != userID {
			return reqseq.ErrStale
		}
		st.Ledger.Resolve(localID, remote)
		return nil
	})
}

// UpdateCart applies fn to the cart and saves the result if fn succeeds.
func (c *Container) UpdateCart(ctx context.Context, fn func(*cart.Cart) error) (cart.Cart, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.mutateLocked(ctx, func(st *State) error {
		return fn(&st.Cart)
	})
	if err != nil {
		var ve *apperr.ValidationError
		if errors.Is(err, apperr.ErrNotFound) || errors.As(err, &ve) {
			return cart.Cart{Items: c.state.Cart.Lines()}, err
		}
		return cart.Cart{}, err
	}
	return cart.Cart{Items: c.state.Cart.Lines()}, nil
}

// BeginCheckout marks a checkout as running. It fails with
// apperr.ErrSubmissionInFlight while another one holds the guard. The
// returned func releases the guard.
func (c *Container) BeginCheckout() (func(), error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return nil, apperr.ErrSubmissionInFlight
	}
	c.touch()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.inFlight.Store(false)
			c.touch()
		})
	}, nil
}

// ApplyAdjustment mirrors a committed ledger entry into the cached balance
// and ledger view.
func (c *Container) ApplyAdjustment(ctx context.Context, userID string, e points.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mutateLocked(ctx, func(st *State) error {
		if st.User == nil || st.User.UserID != userID {
			return reqseq.ErrStale
		}
		st.User.PointsBalance += e.Amount
		st.Ledger.Prepend(e)
		return nil
	})
}

// ApplyLocalAdjustment records an adjustment that could not reach the remote
// ledger. The cached balance moves and the entry is marked local.
func (c *Container) ApplyLocalAdjustment(ctx context.Context, adj points.Adjustment) (points.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := points.LocalEntry(adj, c.nowFunc())
	err := c.mutateLocked(ctx, func(st *State) error {
		if st.User == nil || st.User.UserID != adj.UserID {
			return reqseq.ErrStale
		}
		st.User.PointsBalance += adj.Amount
		st.Ledger.Prepend(e)
		return nil
	})
	if err != nil {
		return points.Entry{}, err
	}
	return e, nil
}

// CompleteCheckout takes the ordered lines out of the cart and records the
// order for the confirmation view. Lines added while the order was being
// placed stay in the cart.
func (c *Container) CompleteCheckout(ctx context.Context, last LastOrder, ordered []cart.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mutateLocked(ctx, func(st *State) error {
		st.Cart.Subtract(ordered)
		st.LastOrder = &last
		return nil
	})
}

// RefreshLedger fetches the newest entries for the logged-in user. A response
// that arrives after the identity changed, or after a newer refresh started,
// is dropped with reqseq.ErrStale. A failed read falls back to the cached
// entries.
func (c *Container) RefreshLedger(ctx context.Context, reader LedgerReader, limit int) (LedgerView, error) {
	c.mu.Lock()
	if err := c.reloadLocked(ctx); err != nil {
		c.mu.Unlock()
		return LedgerView{}, err
	}
	if c.state.User == nil {
		c.mu.Unlock()
		return LedgerView{}, apperr.ErrNotAuthenticated
	}
	userID := c.state.User.UserID
	tok := c.seq.Next()
	c.mu.Unlock()

	entries, fetchErr := reader.FetchRecent(ctx, userID, limit)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return LedgerView{}, ctxErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	current := func(st *State) bool {
		return c.seq.Current(tok) && st.User != nil && st.User.UserID == userID
	}
	if err := c.reloadLocked(ctx); err != nil {
		return LedgerView{}, err
	}
	if !current(&c.state) {
		log.Debug().Str("session_id", c.state.ID).Msg("[session] dropping stale ledger response")
		return LedgerView{}, reqseq.ErrStale
	}
	if fetchErr != nil {
		log.Warn().Err(fetchErr).Str("session_id", c.state.ID).Str("user_id", userID).Msg("[session] ledger refresh failed, serving cached entries")
		return LedgerView{Entries: c.state.Ledger.Recent(limit), Stale: true, Notice: apperr.MsgLedgerNotFresh}, nil
	}
	err := c.mutateLocked(ctx, func(st *State) error {
		if !current(st) {
			return reqseq.ErrStale
		}
		st.Ledger.Replace(entries)
		return nil
	})
	if err != nil {
		return LedgerView{}, err
	}
	return LedgerView{Entries: c.state.Ledger.Recent(limit)}, nil
}

func (c *Container) idleSince(now time.Time) (time.Duration, bool) {
	return now.Sub(time.Unix(0, c.lastUsed.Load())), c.inFlight.Load()
}
