package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/apperr"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/auth"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/checkout"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/orders"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/points"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/validation"
)

// MsgPointsPending tells the user their points change is not yet confirmed.
const MsgPointsPending = "Your points were updated on this device and will be confirmed shortly."

type checkoutResponse struct {
	Order          *orders.Order       `json:"order"`
	Presentation   orders.Presentation `json:"presentation"`
	PointsUsed     int64               `json:"points_used"`
	PointsFallback bool                `json:"points_fallback"`
	LedgerEntry    *points.Entry       `json:"ledger_entry,omitempty"`
	States         []checkout.State    `json:"states"`
	Notice         string              `json:"notice,omitempty"`
}

func requestHash(req validation.CheckoutRequest) (string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("hash request: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// submitCheckout places an order from the session cart. With an
// Idempotency-Key header, a repeated request gets the first response back
// instead of a second order, even from another device.
func (h *Handler) submitCheckout(c *gin.Context) {
	var req validation.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Debug().Err(err).Msg("[checkout] invalid request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body", "msg": apperr.MsgValidation})
		return
	}
	ctx := c.Request.Context()
	sess := sessionFrom(c)

	var storedKey string
	if clientKey := c.GetHeader(IdempotencyHeader); clientKey != "" && h.cfg.Idempotency != nil {
		who, err := auth.CurrentUser(ctx)
		if err != nil {
			writeError(c, err)
			return
		}
		hash, err := requestHash(req)
		if err != nil {
			writeError(c, err)
			return
		}
		key := idempotency.Key(who.UserID, clientKey)
		rec, claimed, err := h.cfg.Idempotency.Begin(ctx, key, hash)
		if errors.Is(err, idempotency.ErrKeyReused) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error": "idempotency_key_reused",
				"msg":   apperr.MsgValidation,
			})
			return
		}
		if err != nil {
			writeError(c, err)
			return
		}
		if !claimed {
			if rec.Status == idempotency.StatusDone {
				log.Info().Str("key", key).Str("order_id", rec.OrderID).Msg("[checkout] replaying stored response")
				c.Header("Idempotent-Replayed", "true")
				c.Data(rec.ResponseStatus, "application/json; charset=utf-8", []byte(rec.ResponseBody))
				return
			}
			writeError(c, apperr.ErrSubmissionInFlight)
			return
		}
		storedKey = key
	}

	out, err := h.cfg.Checkout.Submit(ctx, sess, checkout.Request{
		Address:     req.Address,
		UsePoints:   req.UsePoints,
		ShippingFee: h.cfg.ShippingFee,
	})
	if err != nil {
		if storedKey != "" {
			if merr := h.cfg.Idempotency.MarkFailed(ctx, storedKey, err.Error()); merr != nil {
				log.Warn().Err(merr).Str("key", storedKey).Msg("[checkout] could not release idempotency key")
			}
		}
		writeError(c, err)
		return
	}

	resp := checkoutResponse{
		Order:          out.Order,
		Presentation:   orders.Present(*out.Order, h.nowFunc()),
		PointsUsed:     out.PointsUsed,
		PointsFallback: out.PointsFallback,
		LedgerEntry:    out.Entry,
		States:         out.States,
	}
	if out.PointsFallback {
		resp.Notice = MsgPointsPending
	}
	body, err := json.Marshal(resp)
	if err != nil {
		writeError(c, fmt.Errorf("encode checkout response: %w", err))
		return
	}
	if storedKey != "" {
		if err := h.cfg.Idempotency.MarkDone(ctx, storedKey, out.Order.ID, string(body), http.StatusCreated); err != nil {
			log.Warn().Err(err).Str("key", storedKey).Msg("[checkout] could not store response for replay")
		}
	}

	c.Header("Location", "/orders/"+out.Order.ID)
	c.Data(http.StatusCreated, "application/json; charset=utf-8", body)
}
