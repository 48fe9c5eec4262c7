// Package checkout turns a session's cart into an order and settles the
// loyalty points that go with it.
package checkout

import (
	"context"
	"errors"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/apperr"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/auth"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/aws"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/catalog"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/orders"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/points"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/session"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/validation"
)

// PointValue is the number of minor currency units one point is worth.
const PointValue = 100

// EarnDivisor converts a paid grand total in minor units into earned points:
// one point per ten currency units.
const EarnDivisor = 1000

// ErrOrderNotPaid is returned by CreditEarnedPoints for unpaid orders.
var ErrOrderNotPaid = errors.New("order is not paid")

// State is a step of one checkout attempt.
type State string

const (
	StateIdle              State = "idle"
	StateValidating        State = "validating"
	StateSubmitting        State = "submitting"
	StatePointsReconciling State = "points_reconciling"
	StateCompleted         State = "completed"
	StateErrored           State = "errored"
)

// Request is one checkout submission.
type Request struct {
	Address     validation.AddressInput
	UsePoints   bool
	ShippingFee int64
}

// Outcome describes what a checkout attempt did. States lists every state
// entered, in order; the last one is where the attempt ended.
type Outcome struct {
	Order          *orders.Order `json:"order,omitempty"`
	PointsUsed     int64         `json:"points_used"`
	PointsFallback bool          `json:"points_fallback"`
	Entry          *points.Entry `json:"ledger_entry,omitempty"`
	States         []State       `json:"states"`
}

// Final returns the state the attempt ended in.
func (o Outcome) Final() State {
	if len(o.States) == 0 {
		return StateIdle
	}
	return o.States[len(o.States)-1]
}

func (o *Outcome) enter(s State) { o.States = append(o.States, s) }

// Redemption is the result of spending points on a catalog product.
type Redemption struct {
	Product        catalog.Product `json:"product"`
	Entry          points.Entry    `json:"ledger_entry"`
	PointsFallback bool            `json:"points_fallback"`
}

// Orchestrator wires the order store, the points ledger and the catalog
// together for checkout and redemption.
type Orchestrator struct {
	orders    *orders.Store
	ledger    *points.Ledger
	catalog   *catalog.Store
	publisher *aws.Publisher
	metrics   *aws.Metrics
	validate  *validatorv10.Validate
	nowFunc   func() time.Time
}

// New returns an Orchestrator. publisher and metrics may be nil.
func New(orderStore *orders.Store, ledger *points.Ledger, products *catalog.Store, publisher *aws.Publisher, metrics *aws.Metrics, v *validatorv10.Validate) *Orchestrator {
	if v == nil {
		v = validation.New()
	}
	return &Orchestrator{
		orders:    orderStore,
		ledger:    ledger,
		catalog:   products,
		publisher: publisher,
		metrics:   metrics,
		validate:  v,
		nowFunc:   time.Now,
	}
}

// PointsDeductible returns how many points a cart of cartTotal minor units
// can absorb from a balance, and the discount they are worth.
func PointsDeductible(cartTotal, balance int64) (pts, discount int64) {
	if cartTotal <= 0 || balance <= 0 {
		return 0, 0
	}
	pts = cartTotal / PointValue
	if balance < pts {
		pts = balance
	}
	return pts, pts * PointValue
}

// EarnedPoints returns the points a paid order of grandTotal minor units earns.
func EarnedPoints(grandTotal int64) int64 {
	if grandTotal <= 0 {
		return 0
	}
	return grandTotal / EarnDivisor
}

// identify returns the caller and checks the session belongs to them.
func identify(ctx context.Context, sess *session.Container) (auth.Identity, session.Profile, error) {
	who, err := auth.CurrentUser(ctx)
	if err != nil {
		return auth.Identity{}, session.Profile{}, err
	}
	prof, ok := sess.User()
	if !ok || prof.UserID != who.UserID {
		return auth.Identity{}, session.Profile{}, apperr.ErrNotAuthenticated
	}
	return who, prof, nil
}

// balance reads the authoritative balance and refreshes the session copy.
// Pending local entries are pushed to the ledger first; those that still
// cannot be recorded stay subtracted from the usable balance. When the
// ledger is unreachable the cached balance is used.
func (o *Orchestrator) balance(ctx context.Context, sess *session.Container, prof session.Profile) int64 {
	o.reconcile(ctx, sess, prof.UserID)

	bal, err := o.ledger.Balance(ctx, prof.UserID)
	if err != nil {
		cached := prof.PointsBalance
		if cur, ok := sess.User(); ok && cur.UserID == prof.UserID {
			cached = cur.PointsBalance
		}
		log.Warn().Err(err).Str("user_id", prof.UserID).Int64("cached", cached).
			Msg("[checkout] balance read failed, using cached balance")
		return cached
	}
	usable, err := sess.SetBalance(ctx, prof.UserID, bal)
	if err != nil {
		log.Warn().Err(err).Str("user_id", prof.UserID).Msg("[checkout] could not cache balance")
		return bal + sess.PendingTotal()
	}
	return usable
}

// reconcile records the session's pending local entries on the ledger. It
// stops at the first write that still fails.
func (o *Orchestrator) reconcile(ctx context.Context, sess *session.Container, userID string) {
	for _, local := range sess.PendingEntries() {
		remote, err := o.ledger.RecordAdjustment(ctx, points.ReconcileAdjustment(userID, local))
		switch {
		case errors.Is(err, points.ErrDuplicateAdjustment):
			remote = local.Settled()
		case err != nil:
			log.Warn().Err(err).Str("user_id", userID).Str("local_id", local.ID).
				Msg("[checkout] pending points adjustment still not recorded")
			return
		}
		if err := sess.ResolveLocal(ctx, userID, local.ID, remote); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("[checkout] could not resolve local entry")
			return
		}
		log.Info().Str("user_id", userID).Str("local_id", local.ID).Int64("amount", local.Amount).
			Msg("[checkout] pending points adjustment recorded")
	}
}

// deduct records a negative adjustment. A failed remote write falls back to
// a local entry on the session so the caller's success is not undone.
func (o *Orchestrator) deduct(ctx context.Context, sess *session.Container, adj points.Adjustment) (points.Entry, bool, error) {
	e, err := o.ledger.RecordAdjustment(ctx, adj)
	if err == nil {
		if aerr := sess.ApplyAdjustment(ctx, adj.UserID, e); aerr != nil {
			log.Warn().Err(aerr).Str("user_id", adj.UserID).Msg("[checkout] could not mirror ledger entry into session")
		}
		return e, false, nil
	}

	log.Warn().Err(err).Str("user_id", adj.UserID).Int64("amount", adj.Amount).Str("source_id", adj.SourceID).
		Msg("[checkout] ledger write failed, recording locally")
	if merr := o.metrics.Count(ctx, aws.MetricLedgerFallback, 1); merr != nil {
		log.Warn().Err(merr).Msg("[checkout] metric publish failed")
	}
	local, lerr := sess.ApplyLocalAdjustment(ctx, adj)
	return local, true, lerr
}

// Submit runs one checkout attempt for the session's cart. Only one attempt
// per session runs at a time; a second one fails with
// apperr.ErrSubmissionInFlight before any I/O. Validation and authentication
// failures leave the attempt in StateIdle with the cart untouched.
func (o *Orchestrator) Submit(ctx context.Context, sess *session.Container, req Request) (Outcome, error) {
	out := Outcome{States: []State{StateIdle}}

	release, err := sess.BeginCheckout()
	if err != nil {
		log.Info().Str("session_id", sess.ID()).Msg("[checkout] submission already in flight")
		return out, err
	}
	defer release()

	out.enter(StateValidating)
	who, prof, err := identify(ctx, sess)
	if err != nil {
		out.enter(StateIdle)
		log.Info().Str("session_id", sess.ID()).Msg("[checkout] not authenticated")
		return out, err
	}
	snap := sess.Snapshot()
	if snap.Cart.IsEmpty() {
		out.enter(StateIdle)
		return out, apperr.NewValidation("cart", "cart is empty")
	}
	if req.ShippingFee < 0 {
		out.enter(StateIdle)
		return out, apperr.NewValidation("shipping_fee", "must not be negative")
	}
	addr, err := validation.CheckAddress(o.validate, req.Address)
	if err != nil {
		out.enter(StateIdle)
		log.Debug().Err(err).Str("user_id", who.UserID).Msg("[checkout] address rejected")
		return out, err
	}

	out.enter(StateSubmitting)
	lines := snap.Cart.Lines()
	var pts, discount int64
	if req.UsePoints {
		pts, discount = PointsDeductible(snap.Cart.Total(), o.balance(ctx, sess, prof))
	}
	totals := orders.ComputeTotals(lines, req.ShippingFee, discount)

	created, err := o.orders.Create(ctx, orders.NewOrder{
		Lines:         lines,
		Customer:      orders.Customer{Name: addr.Name, Phone: addr.Phone, Email: addr.Email},
		Address:       addr.OrderAddress(),
		ShippingFee:   req.ShippingFee,
		DiscountTotal: discount,
		GrandTotal:    totals.GrandTotal,
		PointsUsed:    pts,
	})
	if err != nil {
		var ve *apperr.ValidationError
		if errors.Is(err, apperr.ErrNotAuthenticated) || errors.As(err, &ve) {
			out.enter(StateIdle)
		} else {
			out.enter(StateErrored)
		}
		log.Error().Err(err).Str("user_id", who.UserID).Int("lines", len(lines)).Msg("[checkout] order creation failed")
		return out, err
	}
	out.Order = &created
	log.Info().Str("order_id", created.ID).Str("order_code", created.OrderCode).
		Int64("grand_total", created.GrandTotal).Int64("points_used", pts).Msg("[checkout] order created")

	if pts > 0 {
		out.enter(StatePointsReconciling)
		e, fellBack, err := o.deduct(ctx, sess, points.Adjustment{
			UserID:     who.UserID,
			Amount:     -pts,
			SourceType: points.SourceOrderUse,
			SourceID:   created.OrderCode,
		})
		if err != nil {
			log.Error().Err(err).Str("order_code", created.OrderCode).Msg("[checkout] local points adjustment failed")
		} else {
			out.Entry = &e
		}
		out.PointsUsed = pts
		out.PointsFallback = fellBack
	}

	if err := sess.CompleteCheckout(ctx, session.LastOrder{
		OrderID:       created.ID,
		OrderCode:     created.OrderCode,
		CreatedAt:     created.CreatedAt,
		PaymentStatus: created.PaymentStatus,
	}, lines); err != nil {
		log.Error().Err(err).Str("order_code", created.OrderCode).Msg("[checkout] could not save completed session")
	}
	out.enter(StateCompleted)

	if err := o.metrics.Count(ctx, aws.MetricOrdersCreated, 1); err != nil {
		log.Warn().Err(err).Msg("[checkout] metric publish failed")
	}
	if o.publisher != nil {
		if err := o.publisher.Publish(ctx, aws.OrderEvent{
			Type:        aws.EventOrderCreated,
			OrderID:     created.ID,
			OrderCode:   created.OrderCode,
			UserID:      created.UserID,
			GrandTotal:  created.GrandTotal,
			PointsUsed:  created.PointsUsed,
			OccurredAt:  o.nowFunc().UTC(),
			Correlation: sess.ID(),
		}); err != nil {
			log.Warn().Err(err).Str("order_code", created.OrderCode).Msg("[checkout] order.created publish failed")
		}
	}
	return out, nil
}

// CreditEarnedPoints credits the points a paid order earns. It is safe to
// call repeatedly for the same order; only the first call credits. It
// returns a zero Entry when nothing was credited.
func (o *Orchestrator) CreditEarnedPoints(ctx context.Context, order orders.Order) (points.Entry, error) {
	if order.PaymentStatus != orders.PaymentPaid {
		return points.Entry{}, ErrOrderNotPaid
	}
	earned := EarnedPoints(order.GrandTotal)
	if earned == 0 {
		return points.Entry{}, nil
	}
	e, err := o.ledger.RecordAdjustment(ctx, points.Adjustment{
		UserID:     order.UserID,
		Amount:     earned,
		SourceType: points.SourceOrderEarn,
		SourceID:   order.OrderCode,
		DedupKey:   string(points.SourceOrderEarn) + ":" + order.OrderCode,
	})
	if errors.Is(err, points.ErrDuplicateAdjustment) {
		log.Info().Str("order_code", order.OrderCode).Msg("[checkout] earned points already credited")
		return points.Entry{}, nil
	}
	if err != nil {
		return points.Entry{}, err
	}
	if merr := o.metrics.Count(ctx, aws.MetricPointsCredited, float64(earned)); merr != nil {
		log.Warn().Err(merr).Msg("[checkout] metric publish failed")
	}
	log.Info().Str("order_code", order.OrderCode).Str("user_id", order.UserID).Int64("points", earned).
		Msg("[checkout] earned points credited")
	return e, nil
}

// Redeem spends points on a redeemable catalog product. It shares the
// checkout in-flight guard so one session cannot redeem twice at once.
func (o *Orchestrator) Redeem(ctx context.Context, sess *session.Container, productID string) (Redemption, error) {
	release, err := sess.BeginCheckout()
	if err != nil {
		return Redemption{}, err
	}
	defer release()

	who, prof, err := identify(ctx, sess)
	if err != nil {
		return Redemption{}, err
	}
	if productID == "" {
		return Redemption{}, apperr.NewValidation("product_id", "required")
	}
	p, err := o.catalog.Get(ctx, productID)
	if err != nil {
		return Redemption{}, err
	}
	if !p.Redeemable() {
		return Redemption{}, apperr.NewValidation("product_id", "not redeemable with points")
	}
	if bal := o.balance(ctx, sess, prof); bal < p.PointsPrice {
		log.Info().Str("user_id", who.UserID).Int64("balance", bal).Int64("price", p.PointsPrice).
			Msg("[checkout] insufficient points for redemption")
		return Redemption{}, apperr.ErrInsufficientPoints
	}

	e, fellBack, err := o.deduct(ctx, sess, points.Adjustment{
		UserID:     who.UserID,
		Amount:     -p.PointsPrice,
		SourceType: points.SourceRedemption,
		SourceID:   p.ProductID,
	})
	if err != nil {
		return Redemption{}, err
	}
	return Redemption{Product: p, Entry: e, PointsFallback: fellBack}, nil
}
