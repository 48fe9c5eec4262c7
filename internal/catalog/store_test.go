package catalog

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/apperr"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/aws/dynamotest"
)

func newTestStore(t *testing.T) (*Store, *dynamotest.Fake) {
	t.Helper()
	fake := dynamotest.New()
	fake.CreateTable("products", dynamotest.Table{
		Key:     dynamotest.Key{Partition: "product_id"},
		Indexes: map[string]dynamotest.Key{StatusIndex: {Partition: "catalog_status"}},
	})
	return NewStore(fake, "products"), fake
}

func TestGetAndList(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Product{ProductID: "p1", Name: "Tea", Price: 12800, PointsPrice: 500}))
	require.NoError(t, s.Put(ctx, Product{ProductID: "p2", Name: "Cup", Price: 4500}))
	require.NoError(t, s.Put(ctx, Product{ProductID: "p3", Name: "Old", Price: 100, Status: StatusInactive}))

	p, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(12800), p.Price)
	assert.True(t, p.Redeemable())
	assert.Equal(t, "Tea", p.CartItem().ProductName)

	_, err = s.Get(ctx, "p3")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	list, err := s.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestListActive_ReadsEveryPage(t *testing.T) {
	s, fake := newTestStore(t)
	s.queryLimit = 2
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Put(ctx, Product{ProductID: fmt.Sprintf("p%d", i), Name: "Tea", Price: 100}))
	}

	list, err := s.ListActive(ctx)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, p := range list {
		seen[p.ProductID] = true
	}
	assert.Len(t, list, 5)
	assert.Len(t, seen, 5)
	assert.Equal(t, 3, fake.Calls("Query"))
}

func TestGet_RemoteFailure(t *testing.T) {
	s, fake := newTestStore(t)
	fake.Inject("GetItem", "products", errors.New("throttled"))

	_, err := s.Get(context.Background(), "p1")
	var rre *apperr.RemoteReadError
	require.ErrorAs(t, err, &rre)
}
