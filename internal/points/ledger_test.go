package points

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/apperr"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/aws/dynamotest"
)

func newTestLedger(t *testing.T) (*Ledger, *dynamotest.Fake) {
	t.Helper()
	fake := dynamotest.New()
	fake.CreateTable("points_ledger", dynamotest.Table{Key: dynamotest.Key{Partition: "user_id", Sort: "entry_key"}})
	fake.CreateTable("users", dynamotest.Table{Key: dynamotest.Key{Partition: "user_id"}})

	l := NewLedger(fake, "points_ledger", "users")
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l.nowFunc = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	require.NoError(t, l.EnsureUser(context.Background(), "u1", "amy"))
	return l, fake
}

func TestRecordAdjustment_AppendOnlyNewestFirst(t *testing.T) {
	l, fake := newTestLedger(t)
	ctx := context.Background()

	amounts := []int64{500, -200, 30, -10, 1}
	var recorded []Entry
	for i, a := range amounts {
		e, err := l.RecordAdjustment(ctx, Adjustment{
			UserID:     "u1",
			Amount:     a,
			SourceType: SourceOrderUse,
			SourceID:   fmt.Sprintf("OD-%d", i),
		})
		require.NoError(t, err)
		recorded = append(recorded, e)
	}
	snapshot := fake.Items("points_ledger")

	got, err := l.FetchRecent(ctx, "u1", len(amounts))
	require.NoError(t, err)
	require.Len(t, got, len(amounts))
	for i := range got {
		want := recorded[len(recorded)-1-i]
		assert.Equal(t, want.ID, got[i].ID)
		assert.Equal(t, want.Amount, got[i].Amount)
		assert.True(t, want.CreatedAt.Equal(got[i].CreatedAt))
	}

	// a further write leaves every prior row untouched
	_, err = l.RecordAdjustment(ctx, Adjustment{UserID: "u1", Amount: 7, SourceType: SourceOrderEarn})
	require.NoError(t, err)
	after := fake.Items("points_ledger")
	for _, before := range snapshot {
		assert.Contains(t, after, before)
	}

	bal, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500-200+30-10+1+7), bal)
}

func TestFetchRecent_DefaultLimit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	for i := 0; i < DefaultPageSize+5; i++ {
		_, err := l.RecordAdjustment(ctx, Adjustment{UserID: "u1", Amount: 1, SourceType: SourceOrderEarn})
		require.NoError(t, err)
	}
	got, err := l.FetchRecent(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, got, DefaultPageSize)
}

func TestRecordAdjustment_Dedup(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	adj := Adjustment{UserID: "u1", Amount: 108, SourceType: SourceOrderEarn, SourceID: "OD-1", DedupKey: "order_earn:OD-1"}

	_, err := l.RecordAdjustment(ctx, adj)
	require.NoError(t, err)
	_, err = l.RecordAdjustment(ctx, adj)
	require.ErrorIs(t, err, ErrDuplicateAdjustment)

	bal, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(108), bal)

	entries, err := l.FetchRecent(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "dedup markers are not ledger entries")
}

func TestRecordAdjustment_UnknownUser(t *testing.T) {
	l, fake := newTestLedger(t)
	_, err := l.RecordAdjustment(context.Background(), Adjustment{UserID: "ghost", Amount: -5, SourceType: SourceOrderUse})

	var rwe *apperr.RemoteWriteError
	require.ErrorAs(t, err, &rwe)
	assert.ErrorIs(t, err, ErrUnknownUser)
	assert.Empty(t, fake.Items("points_ledger"), "entry must not commit without the balance update")
}

func TestRecordAdjustment_RemoteFailure(t *testing.T) {
	l, fake := newTestLedger(t)
	fake.Inject("TransactWriteItems", "", errors.New("connection reset"))

	_, err := l.RecordAdjustment(context.Background(), Adjustment{UserID: "u1", Amount: -200, SourceType: SourceOrderUse})
	var rwe *apperr.RemoteWriteError
	require.ErrorAs(t, err, &rwe)
	assert.Equal(t, "record adjustment", rwe.Op)
}

func TestRecordAdjustment_Validation(t *testing.T) {
	l, _ := newTestLedger(t)
	var ve *apperr.ValidationError
	_, err := l.RecordAdjustment(context.Background(), Adjustment{UserID: "u1", SourceType: SourceOrderUse})
	assert.ErrorAs(t, err, &ve)
	_, err = l.RecordAdjustment(context.Background(), Adjustment{Amount: 3, SourceType: SourceOrderUse})
	assert.ErrorAs(t, err, &ve)
}

func TestFetchRecent_RemoteFailure(t *testing.T) {
	l, fake := newTestLedger(t)
	fake.Inject("Query", "points_ledger", errors.New("access denied"))
	_, err := l.FetchRecent(context.Background(), "u1", 5)
	var rre *apperr.RemoteReadError
	require.ErrorAs(t, err, &rre)
}

func TestBalance_UnknownUser(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Balance(context.Background(), "ghost")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLocalBook(t *testing.T) {
	b := NewLocalBook(3)
	now := time.Now()
	for i := 0; i < 5; i++ {
		b.Prepend(Entry{ID: fmt.Sprint(i), CreatedAt: now.Add(time.Duration(i) * time.Second)})
	}
	require.Len(t, b.Entries, 3)
	assert.Equal(t, "4", b.Entries[0].ID)
	assert.Equal(t, "2", b.Entries[2].ID)

	local := LocalEntry(Adjustment{UserID: "u1", Amount: -200, SourceType: SourceOrderUse, SourceID: "OD-9"}, now)
	assert.True(t, strings.HasSuffix(local.Description, LocalSuffix))
	assert.True(t, local.Local)

	b.Prepend(local)
	b.Replace([]Entry{
		{ID: "r1", CreatedAt: now.Add(-time.Second)},
		{ID: "r2", CreatedAt: now.Add(-2 * time.Second)},
		{ID: "r3", CreatedAt: now.Add(-3 * time.Second)},
	})
	require.Len(t, b.Entries, 3)
	assert.Equal(t, local.ID, b.Entries[0].ID, "pending local entry stays visible")
	assert.Equal(t, "r1", b.Entries[1].ID)
	assert.Equal(t, int64(-200), b.PendingTotal())

	assert.Len(t, b.Recent(2), 2)
	assert.Len(t, b.Recent(0), 3)
}

func TestLocalBook_ReplaceKeepsNewestFirst(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2026, 1, d, 12, 0, 0, 0, time.UTC) }
	b := NewLocalBook(3)
	old := LocalEntry(Adjustment{UserID: "u1", Amount: -50, SourceType: SourceRedemption, SourceID: "p-cup"}, day(1))
	b.Prepend(old)

	b.Replace([]Entry{{ID: "r-new", CreatedAt: day(3)}, {ID: "r-mid", CreatedAt: day(2)}})
	ids := []string{b.Entries[0].ID, b.Entries[1].ID, b.Entries[2].ID}
	assert.Equal(t, []string{"r-new", "r-mid", old.ID}, ids)
	for i := 1; i < len(b.Entries); i++ {
		assert.False(t, b.Entries[i].CreatedAt.After(b.Entries[i-1].CreatedAt))
	}

	// past the cap the oldest remote entry goes; pending entries stay
	b.Replace([]Entry{{ID: "r4", CreatedAt: day(4)}, {ID: "r3", CreatedAt: day(3)}, {ID: "r2", CreatedAt: day(2)}})
	ids = []string{b.Entries[0].ID, b.Entries[1].ID, b.Entries[2].ID}
	assert.Equal(t, []string{"r4", "r3", old.ID}, ids)
	assert.Len(t, b.Pending(), 1)
}

func TestLocalBook_Resolve(t *testing.T) {
	now := time.Now()
	b := NewLocalBook(10)
	local := LocalEntry(Adjustment{UserID: "u1", Amount: -200, SourceType: SourceOrderUse, SourceID: "OD-1"}, now)
	b.Prepend(local)

	adj := ReconcileAdjustment("u1", local)
	assert.Equal(t, "local:"+local.ID, adj.DedupKey)
	assert.Equal(t, "Points used on order OD-1", adj.Description)
	assert.Equal(t, int64(-200), adj.Amount)

	assert.True(t, b.Resolve(local.ID, Entry{ID: "remote-1", Amount: -200, CreatedAt: now}))
	assert.False(t, b.Resolve(local.ID, Entry{ID: "remote-2"}))
	assert.Empty(t, b.Pending())
	assert.Zero(t, b.PendingTotal())
	assert.Equal(t, "remote-1", b.Entries[0].ID)
}
