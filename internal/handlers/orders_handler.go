package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/orders"
)

type orderView struct {
	orders.Order
	Presentation orders.Presentation `json:"presentation"`
}

// listMyOrders returns the caller's orders, newest first, each with its
// current display state.
func (h *Handler) listMyOrders(c *gin.Context) {
	list, err := h.cfg.Orders.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	now := h.nowFunc()
	out := make([]orderView, 0, len(list))
	for _, o := range list {
		out = append(out, orderView{Order: o, Presentation: orders.Present(o, now)})
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

func (h *Handler) getOrder(c *gin.Context) {
	o, err := h.cfg.Orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, orderView{Order: o, Presentation: orders.Present(o, h.nowFunc())})
}

// orderCountdown streams the order's presentation as server-sent events
// until it stops counting or the client goes away.
func (h *Handler) orderCountdown(c *gin.Context) {
	ctx := c.Request.Context()
	o, err := h.cfg.Orders.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	n := 0
	for p := range orders.Watch(ctx, o, h.cfg.CountdownInterval) {
		c.SSEvent("countdown", p)
		c.Writer.Flush()
		n++
	}
	log.Debug().Str("order_id", o.ID).Int("events", n).Msg("[orders] countdown stream closed")
}
