package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/apperr"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/points"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/validation"
)

type ledgerResponse struct {
	Entries []points.Entry `json:"entries"`
	Balance int64          `json:"balance"`
	Stale   bool           `json:"stale"`
	Notice  string         `json:"notice,omitempty"`
}

// getPointsLedger returns the newest ledger entries for the caller. When the
// ledger cannot be read the cached entries come back with stale=true.
func (h *Handler) getPointsLedger(c *gin.Context) {
	limit := h.cfg.LedgerPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(c, apperr.NewValidation("limit", "must be a positive integer"))
			return
		}
		if n > maxLedgerPage {
			n = maxLedgerPage
		}
		limit = n
	}

	sess := sessionFrom(c)
	view, err := sess.RefreshLedger(c.Request.Context(), h.cfg.Ledger, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := ledgerResponse{Entries: view.Entries, Stale: view.Stale, Notice: view.Notice}
	if resp.Entries == nil {
		resp.Entries = []points.Entry{}
	}
	if prof, ok := sess.User(); ok {
		resp.Balance = prof.PointsBalance
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) redeem(c *gin.Context) {
	var req validation.RedeemRequest
	if err := validation.BindAndValidate(c, &req, h.cfg.Validator); err != nil {
		return
	}
	sess := sessionFrom(c)
	r, err := h.cfg.Checkout.Redeem(c.Request.Context(), sess, req.ProductID)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"redemption": r}
	if prof, ok := sess.User(); ok {
		resp["balance"] = prof.PointsBalance
	}
	if r.PointsFallback {
		resp["notice"] = MsgPointsPending
	}
	c.JSON(http.StatusOK, resp)
}
