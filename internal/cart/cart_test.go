package cart

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/apperr"
)

var tea = Item{ProductID: "p-tea", ProductName: "Longjing tea", UnitPrice: 12800}

func TestAdd_SameProductIncrementsOneLine(t *testing.T) {
	var c Cart
	require.NoError(t, c.Add(tea, 2))
	require.NoError(t, c.Add(tea, 3))

	lines := c.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, 5, lines[0].Quantity)
	assert.Equal(t, int64(64000), c.Total())
}

func TestAdd_RejectsBadInput(t *testing.T) {
	var c Cart
	var ve *apperr.ValidationError
	assert.ErrorAs(t, c.Add(tea, 0), &ve)
	assert.ErrorAs(t, c.Add(Item{}, 1), &ve)
	assert.True(t, c.IsEmpty())
}

func TestTotalMatchesLines(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for n := 0; n < 200; n++ {
		var c Cart
		var want int64
		lines := r.Intn(8)
		for i := 0; i < lines; i++ {
			p := Item{ProductID: string(rune('a' + r.Intn(5))), UnitPrice: int64(r.Intn(100000))}
			q := 1 + r.Intn(4)
			require.NoError(t, c.Add(p, q))
		}
		for _, it := range c.Lines() {
			want += it.UnitPrice * int64(it.Quantity)
		}
		assert.Equal(t, want, c.Total())
	}
}

func TestChangeQuantity_ClampsAtOne(t *testing.T) {
	var c Cart
	require.NoError(t, c.Add(tea, 2))
	require.NoError(t, c.ChangeQuantity(tea.ProductID, -5))
	assert.Equal(t, 1, c.Lines()[0].Quantity)
	assert.ErrorIs(t, c.ChangeQuantity("missing", 1), apperr.ErrNotFound)
}

func TestSetQuantityRemoveClear(t *testing.T) {
	var c Cart
	cup := Item{ProductID: "p-cup", ProductName: "Celadon cup", UnitPrice: 4500}
	require.NoError(t, c.Add(tea, 1))
	require.NoError(t, c.Add(cup, 1))
	require.NoError(t, c.SetQuantity(cup.ProductID, 4))
	assert.Equal(t, 5, c.Count())

	c.Remove(tea.ProductID)
	require.Len(t, c.Lines(), 1)
	assert.Equal(t, "p-cup", c.Lines()[0].ProductID)

	c.Clear()
	assert.True(t, c.IsEmpty())
	assert.Zero(t, c.Total())
}

func TestSubtract_KeepsLinesAddedAfterSnapshot(t *testing.T) {
	var c Cart
	cup := Item{ProductID: "p-cup", ProductName: "Tea cup", UnitPrice: 4500}
	require.NoError(t, c.Add(tea, 2))
	ordered := c.Lines()

	require.NoError(t, c.Add(tea, 1))
	require.NoError(t, c.Add(cup, 1))
	c.Subtract(ordered)

	lines := c.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "p-tea", lines[0].ProductID)
	assert.Equal(t, 1, lines[0].Quantity)
	assert.Equal(t, "p-cup", lines[1].ProductID)

	c.Subtract([]Item{{ProductID: "p-tea", Quantity: 5}, {ProductID: "p-gone", Quantity: 1}})
	require.Len(t, c.Lines(), 1)
	assert.Equal(t, "p-cup", c.Lines()[0].ProductID)
}
