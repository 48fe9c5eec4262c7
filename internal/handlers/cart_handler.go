package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/cart"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/catalog"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/orders"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/validation"
)

type cartView struct {
	Items        []cart.Item `json:"items"`
	Count        int         `json:"count"`
	Total        int64       `json:"total"`
	TotalDisplay string      `json:"total_display"`
}

func newCartView(ct cart.Cart) cartView {
	items := ct.Lines()
	if items == nil {
		items = []cart.Item{}
	}
	return cartView{
		Items:        items,
		Count:        ct.Count(),
		Total:        ct.Total(),
		TotalDisplay: orders.FormatCents(ct.Total()),
	}
}

type productView struct {
	catalog.Product
	PriceDisplay string `json:"price_display"`
}

func (h *Handler) listProducts(c *gin.Context) {
	list, err := h.cfg.Catalog.ListActive(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]productView, 0, len(list))
	for _, p := range list {
		out = append(out, productView{Product: p, PriceDisplay: orders.FormatCents(p.Price)})
	}
	c.JSON(http.StatusOK, gin.H{"products": out})
}

func (h *Handler) getCart(c *gin.Context) {
	c.JSON(http.StatusOK, newCartView(sessionFrom(c).Snapshot().Cart))
}

// addCartItem adds a catalog product. Name and price come from the catalog,
// never from the request.
func (h *Handler) addCartItem(c *gin.Context) {
	var req validation.AddCartItemRequest
	if err := validation.BindAndValidate(c, &req, h.cfg.Validator); err != nil {
		return
	}
	ctx := c.Request.Context()
	p, err := h.cfg.Catalog.Get(ctx, req.ProductID)
	if err != nil {
		writeError(c, err)
		return
	}
	ct, err := sessionFrom(c).UpdateCart(ctx, func(ct *cart.Cart) error {
		return ct.Add(p.CartItem(), req.Quantity)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCartView(ct))
}

func (h *Handler) updateCartItem(c *gin.Context) {
	var req validation.UpdateCartItemRequest
	if err := validation.BindAndValidate(c, &req, h.cfg.Validator); err != nil {
		return
	}
	id := c.Param("id")
	ct, err := sessionFrom(c).UpdateCart(c.Request.Context(), func(ct *cart.Cart) error {
		if req.Quantity > 0 {
			return ct.SetQuantity(id, req.Quantity)
		}
		return ct.ChangeQuantity(id, req.Delta)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCartView(ct))
}

func (h *Handler) removeCartItem(c *gin.Context) {
	id := c.Param("id")
	ct, err := sessionFrom(c).UpdateCart(c.Request.Context(), func(ct *cart.Cart) error {
		ct.Remove(id)
		return nil
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCartView(ct))
}

// logout forgets the user but keeps the cart.
func (h *Handler) logout(c *gin.Context) {
	if err := sessionFrom(c).Logout(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
