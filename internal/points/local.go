package points

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalBook is the capped, newest-first ledger view kept in the session. It
// mirrors the last remote fetch and holds entries recorded locally while the
// remote ledger was unreachable.
type LocalBook struct {
	Entries []Entry `json:"entries"`
	Cap     int     `json:"cap"`
}

// NewLocalBook returns an empty book holding at most limit entries.
func NewLocalBook(limit int) LocalBook {
	if limit <= 0 {
		limit = DefaultLocalCap
	}
	return LocalBook{Cap: limit}
}

func (b *LocalBook) limit() int {
	if b.Cap <= 0 {
		return DefaultLocalCap
	}
	return b.Cap
}

// Prepend records e as the newest entry, evicting the oldest past the cap.
func (b *LocalBook) Prepend(e Entry) {
	b.Entries = append([]Entry{e}, b.Entries...)
	b.trim()
}

// trim evicts the oldest entries past the cap. Pending local entries are
// never evicted; they leave the book only through Resolve.
func (b *LocalBook) trim() {
	for len(b.Entries) > b.limit() {
		i := len(b.Entries) - 1
		for i >= 0 && b.Entries[i].Local {
			i--
		}
		if i < 0 {
			return
		}
		b.Entries = slices.Delete(b.Entries, i, i+1)
	}
}

// Replace swaps in a fresh remote page. Local entries still waiting for
// reconciliation are merged in by creation time so the view stays
// newest-first.
func (b *LocalBook) Replace(remote []Entry) {
	merged := make([]Entry, 0, len(b.Entries)+len(remote))
	merged = append(merged, b.Pending()...)
	merged = append(merged, remote...)
	slices.SortStableFunc(merged, func(x, y Entry) int {
		return y.CreatedAt.Compare(x.CreatedAt)
	})
	b.Entries = merged
	b.trim()
}

// Pending returns the local entries not yet written to the remote ledger,
// newest first.
func (b *LocalBook) Pending() []Entry {
	var out []Entry
	for _, e := range b.Entries {
		if e.Local {
			out = append(out, e)
		}
	}
	return out
}

// PendingTotal is the sum of pending local amounts.
func (b *LocalBook) PendingTotal() int64 {
	var sum int64
	for _, e := range b.Entries {
		if e.Local {
			sum += e.Amount
		}
	}
	return sum
}

// Resolve replaces the local entry localID with its remote counterpart.
// It reports whether the local entry was found.
func (b *LocalBook) Resolve(localID string, remote Entry) bool {
	for i, e := range b.Entries {
		if e.Local && e.ID == localID {
			b.Entries[i] = remote
			return true
		}
	}
	return false
}

// Recent returns up to n newest entries.
func (b *LocalBook) Recent(n int) []Entry {
	if n <= 0 || n > len(b.Entries) {
		n = len(b.Entries)
	}
	out := make([]Entry, n)
	copy(out, b.Entries[:n])
	return out
}

// LocalEntry builds the entry recorded when the remote write failed. Its
// description carries LocalSuffix.
func LocalEntry(adj Adjustment, now time.Time) Entry {
	return Entry{
		UserID:      adj.UserID,
		ID:          uuid.NewString(),
		Amount:      adj.Amount,
		SourceType:  adj.SourceType,
		SourceID:    adj.SourceID,
		Description: adj.description() + LocalSuffix,
		CreatedAt:   now.UTC(),
		Local:       true,
	}
}

// Settled returns the local entry e as it reads once recorded remotely.
func (e Entry) Settled() Entry {
	e.Local = false
	e.Description = strings.TrimSuffix(e.Description, LocalSuffix)
	return e
}

// ReconcileAdjustment rebuilds the remote adjustment for a pending local
// entry. The dedup key is derived from the entry id so a retried
// reconciliation never applies twice.
func ReconcileAdjustment(userID string, e Entry) Adjustment {
	return Adjustment{
		UserID:      userID,
		Amount:      e.Amount,
		SourceType:  e.SourceType,
		SourceID:    e.SourceID,
		Description: strings.TrimSuffix(e.Description, LocalSuffix),
		DedupKey:    "local:" + e.ID,
	}
}
