package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/apperr"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/auth"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/aws"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/aws/dynamotest"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/cart"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/catalog"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/orders"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/points"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/session"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/validation"
)

type cwRecorder struct {
	mu    sync.Mutex
	names []string
}

func (r *cwRecorder) PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range in.MetricData {
		r.names = append(r.names, *d.MetricName)
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func (r *cwRecorder) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.names {
		if n == name {
			return true
		}
	}
	return false
}

type sqsRecorder struct {
	mu     sync.Mutex
	events []aws.OrderEvent
}

func (r *sqsRecorder) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	var ev aws.OrderEvent
	if err := json.Unmarshal([]byte(*in.MessageBody), &ev); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return &sqs.SendMessageOutput{}, nil
}

// gatedDB blocks the first transaction until release is closed.
type gatedDB struct {
	*dynamotest.Fake
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedDB) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Fake.TransactWriteItems(ctx, in, optFns...)
}

type env struct {
	fake     *dynamotest.Fake
	orch     *Orchestrator
	ledger   *points.Ledger
	products *catalog.Store
	sess     *session.Container
	cw       *cwRecorder
	sqs      *sqsRecorder
}

func newFake() *dynamotest.Fake {
	fake := dynamotest.New()
	fake.CreateTable("orders", dynamotest.Table{
		Key:     dynamotest.Key{Partition: "order_id"},
		Indexes: map[string]dynamotest.Key{orders.UserIndex: {Partition: "user_id", Sort: "created_at_ns"}},
	})
	fake.CreateTable("order_items", dynamotest.Table{Key: dynamotest.Key{Partition: "order_id", Sort: "line_no"}})
	fake.CreateTable("points_ledger", dynamotest.Table{Key: dynamotest.Key{Partition: "user_id", Sort: "entry_key"}})
	fake.CreateTable("users", dynamotest.Table{Key: dynamotest.Key{Partition: "user_id"}})
	fake.CreateTable("products", dynamotest.Table{
		Key:     dynamotest.Key{Partition: "product_id"},
		Indexes: map[string]dynamotest.Key{catalog.StatusIndex: {Partition: "catalog_status"}},
	})
	return fake
}

func seedUser(t *testing.T, fake *dynamotest.Fake, userID string, balance int64) {
	t.Helper()
	item, err := attributevalue.MarshalMap(points.User{
		UserID:        userID,
		Username:      "amy",
		PointsBalance: balance,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	})
	require.NoError(t, err)
	fake.Seed("users", item)
}

func newEnv(t *testing.T) *env {
	t.Helper()
	fake := newFake()
	seedUser(t, fake, "u1", 200)

	cw := &cwRecorder{}
	q := &sqsRecorder{}
	ledger := points.NewLedger(fake, "points_ledger", "users")
	products := catalog.NewStore(fake, "products")
	orch := New(
		orders.NewStore(fake, "orders", "order_items", 0),
		ledger,
		products,
		aws.NewPublisher(q, "https://sqs.local/orders"),
		aws.NewMetrics(cw, "LoyaltyOrderflow"),
		validation.New(),
	)

	mgr := session.NewManager(session.NewMemoryStore(), points.DefaultLocalCap)
	ctx := context.Background()
	sess, err := mgr.Get(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, sess.SetUser(ctx, session.Profile{UserID: "u1", Username: "amy", PointsBalance: 200}))
	_, err = sess.UpdateCart(ctx, func(c *cart.Cart) error {
		return c.Add(cart.Item{ProductID: "p-tea", ProductName: "Longjing Tea", UnitPrice: 128800}, 1)
	})
	require.NoError(t, err)

	return &env{fake: fake, orch: orch, ledger: ledger, products: products, sess: sess, cw: cw, sqs: q}
}

func userCtx(id string) context.Context {
	return auth.WithIdentity(context.Background(), auth.Identity{UserID: id, Username: "amy"})
}

func address() validation.AddressInput {
	return validation.AddressInput{
		Name:     "Li Lei",
		Phone:    "13800138000",
		Province: "Zhejiang",
		City:     "Hangzhou",
		District: "Xihu",
		Detail:   "1 Longjing Rd",
	}
}

func TestPointsDeductible_Bound(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		cartTotal := r.Int63n(1_000_000)
		balance := r.Int63n(20_000) - 100

		pts, discount := PointsDeductible(cartTotal, balance)

		want := cartTotal / PointValue
		if balance < want {
			want = balance
		}
		if want < 0 {
			want = 0
		}
		require.Equal(t, want, pts)
		require.Equal(t, pts*PointValue, discount)
		require.LessOrEqual(t, discount, cartTotal)
		require.GreaterOrEqual(t, cartTotal-discount, int64(0))
	}
}

func TestEarnedPoints(t *testing.T) {
	assert.Equal(t, int64(108), EarnedPoints(108800))
	assert.Equal(t, int64(0), EarnedPoints(999))
	assert.Equal(t, int64(0), EarnedPoints(-5))
}

func TestSubmit_HappyPath(t *testing.T) {
	e := newEnv(t)
	ctx := userCtx("u1")

	out, err := e.orch.Submit(ctx, e.sess, Request{Address: address(), UsePoints: true})
	require.NoError(t, err)

	assert.Equal(t, []State{StateIdle, StateValidating, StateSubmitting, StatePointsReconciling, StateCompleted}, out.States)
	require.NotNil(t, out.Order)
	assert.Equal(t, int64(200), out.PointsUsed)
	assert.False(t, out.PointsFallback)
	assert.Equal(t, int64(128800), out.Order.ItemsTotal)
	assert.Equal(t, int64(20000), out.Order.DiscountTotal)
	assert.Equal(t, int64(108800), out.Order.GrandTotal)
	assert.Equal(t, "¥1088.00", orders.FormatCents(out.Order.GrandTotal))
	assert.Equal(t, orders.PaymentUnpaid, out.Order.PaymentStatus)

	entries, err := e.ledger.FetchRecent(ctx, "u1", 20)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(-200), entries[0].Amount)
	assert.Equal(t, points.SourceOrderUse, entries[0].SourceType)
	assert.Equal(t, out.Order.OrderCode, entries[0].SourceID)

	bal, err := e.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)

	snap := e.sess.Snapshot()
	assert.True(t, snap.Cart.IsEmpty())
	assert.Equal(t, int64(0), snap.User.PointsBalance)
	require.NotNil(t, snap.LastOrder)
	assert.Equal(t, out.Order.OrderCode, snap.LastOrder.OrderCode)

	assert.True(t, e.cw.has(aws.MetricOrdersCreated))
	require.Len(t, e.sqs.events, 1)
	assert.Equal(t, aws.EventOrderCreated, e.sqs.events[0].Type)
	assert.Equal(t, out.Order.ID, e.sqs.events[0].OrderID)
}

func TestSubmit_NotAuthenticated(t *testing.T) {
	e := newEnv(t)

	out, err := e.orch.Submit(context.Background(), e.sess, Request{Address: address(), UsePoints: true})
	require.ErrorIs(t, err, apperr.ErrNotAuthenticated)
	assert.Equal(t, StateIdle, out.Final())
	assert.Equal(t, apperr.MsgLogin, apperr.UserMessage(err))

	assert.Zero(t, e.fake.Calls("TransactWriteItems"))
	assert.Empty(t, e.fake.Items("orders"))
	assert.Equal(t, 1, e.sess.Snapshot().Cart.Count())

	// a token for another user than the session's is treated the same way
	_, err = e.orch.Submit(userCtx("u2"), e.sess, Request{Address: address()})
	assert.ErrorIs(t, err, apperr.ErrNotAuthenticated)
	assert.Empty(t, e.fake.Items("orders"))
}

func TestSubmit_LedgerWriteFailureFallsBackLocally(t *testing.T) {
	e := newEnv(t)
	e.fake.Inject("TransactWriteItems", "points_ledger", errors.New("connection reset"))
	ctx := userCtx("u1")

	out, err := e.orch.Submit(ctx, e.sess, Request{Address: address(), UsePoints: true})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.Final())
	assert.True(t, out.PointsFallback)
	require.NotNil(t, out.Entry)
	assert.True(t, strings.HasSuffix(out.Entry.Description, points.LocalSuffix))

	assert.Len(t, e.fake.Items("orders"), 1, "order survives the ledger failure")

	snap := e.sess.Snapshot()
	assert.True(t, snap.Cart.IsEmpty())
	assert.Equal(t, int64(0), snap.User.PointsBalance)
	require.Len(t, snap.Ledger.Entries, 1)
	assert.True(t, snap.Ledger.Entries[0].Local)

	// the remote balance is untouched until reconciled
	bal, err := e.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), bal)
	assert.True(t, e.cw.has(aws.MetricLedgerFallback))
}

func TestSubmit_PendingLocalDeductionHoldsPoints(t *testing.T) {
	e := newEnv(t)
	ctx := userCtx("u1")
	refill := func() {
		_, err := e.sess.UpdateCart(ctx, func(c *cart.Cart) error {
			return c.Add(cart.Item{ProductID: "p-tea", ProductName: "Longjing Tea", UnitPrice: 128800}, 1)
		})
		require.NoError(t, err)
	}

	e.fake.Inject("TransactWriteItems", "points_ledger", errors.New("connection reset"))
	first, err := e.orch.Submit(ctx, e.sess, Request{Address: address(), UsePoints: true})
	require.NoError(t, err)
	require.True(t, first.PointsFallback)
	assert.Equal(t, int64(200), first.PointsUsed)

	// the ledger is still down; the remote balance still reads 200
	refill()
	second, err := e.orch.Submit(ctx, e.sess, Request{Address: address(), UsePoints: true})
	require.NoError(t, err)
	assert.Zero(t, second.PointsUsed, "points held by a pending local entry are not spent twice")
	assert.Zero(t, second.Order.DiscountTotal)
	assert.Len(t, e.sess.PendingEntries(), 1)

	e.fake.Clear()
	refill()
	third, err := e.orch.Submit(ctx, e.sess, Request{Address: address(), UsePoints: true})
	require.NoError(t, err)
	assert.Zero(t, third.PointsUsed)

	assert.Empty(t, e.sess.PendingEntries())
	bal, err := e.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal, "the local deduction reached the ledger")
	assert.Equal(t, int64(0), e.sess.Snapshot().User.PointsBalance)

	entries, err := e.ledger.FetchRecent(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(-200), entries[0].Amount)
	assert.False(t, strings.HasSuffix(entries[0].Description, points.LocalSuffix))
}

func TestSubmit_KeepsLinesAddedDuringSubmission(t *testing.T) {
	gate := &gatedDB{entered: make(chan struct{}), release: make(chan struct{})}
	e := newEnv(t)
	gate.Fake = e.fake
	e.orch.orders = orders.NewStore(gate, "orders", "order_items", 0)
	ctx := userCtx("u1")

	done := make(chan struct{})
	var out Outcome
	var err error
	go func() {
		defer close(done)
		out, err = e.orch.Submit(ctx, e.sess, Request{Address: address()})
	}()

	<-gate.entered
	_, addErr := e.sess.UpdateCart(ctx, func(c *cart.Cart) error {
		return c.Add(cart.Item{ProductID: "p-cup", ProductName: "Tea Cup", UnitPrice: 4500}, 1)
	})
	close(gate.release)
	<-done
	require.NoError(t, addErr)
	require.NoError(t, err)
	require.Len(t, out.Order.Items, 1)

	left := e.sess.Snapshot().Cart.Lines()
	require.Len(t, left, 1)
	assert.Equal(t, "p-cup", left[0].ProductID)
}

func TestSubmit_NoDoubleSubmission(t *testing.T) {
	gate := &gatedDB{entered: make(chan struct{}), release: make(chan struct{})}
	e := newEnv(t)
	gate.Fake = e.fake
	e.orch.orders = orders.NewStore(gate, "orders", "order_items", 0)
	ctx := userCtx("u1")

	var first Outcome
	var firstErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		first, firstErr = e.orch.Submit(ctx, e.sess, Request{Address: address(), UsePoints: true})
	}()

	<-gate.entered
	_, err := e.orch.Submit(ctx, e.sess, Request{Address: address(), UsePoints: true})
	assert.ErrorIs(t, err, apperr.ErrSubmissionInFlight)

	close(gate.release)
	<-done
	require.NoError(t, firstErr)
	assert.Equal(t, StateCompleted, first.Final())

	// the cart is gone now, so a late repeat cannot create a second order
	_, err = e.orch.Submit(ctx, e.sess, Request{Address: address(), UsePoints: true})
	var ve *apperr.ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Len(t, e.fake.Items("orders"), 1)
}

func TestSubmit_ValidationStaysIdle(t *testing.T) {
	e := newEnv(t)
	ctx := userCtx("u1")

	bad := address()
	bad.Phone = "555-0100"
	bad.City = " "
	out, err := e.orch.Submit(ctx, e.sess, Request{Address: bad, UsePoints: true})
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "phone")
	assert.Contains(t, ve.Fields, "city")
	assert.Equal(t, []State{StateIdle, StateValidating, StateIdle}, out.States)
	assert.Zero(t, e.fake.Calls("TransactWriteItems"))
	assert.Zero(t, e.fake.Calls("GetItem"))
	assert.Equal(t, 1, e.sess.Snapshot().Cart.Count())

	_, err = e.sess.UpdateCart(context.Background(), func(c *cart.Cart) error {
		c.Clear()
		return nil
	})
	require.NoError(t, err)
	_, err = e.orch.Submit(ctx, e.sess, Request{Address: address()})
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "cart")
}

func TestSubmit_WithoutPoints(t *testing.T) {
	e := newEnv(t)
	ctx := userCtx("u1")

	out, err := e.orch.Submit(ctx, e.sess, Request{Address: address(), ShippingFee: 1000})
	require.NoError(t, err)
	assert.Equal(t, []State{StateIdle, StateValidating, StateSubmitting, StateCompleted}, out.States)
	assert.Zero(t, out.PointsUsed)
	assert.Nil(t, out.Entry)
	assert.Equal(t, int64(129800), out.Order.GrandTotal)

	entries, err := e.ledger.FetchRecent(ctx, "u1", 20)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, int64(200), e.sess.Snapshot().User.PointsBalance)
}

func TestSubmit_OrderFailureKeepsCart(t *testing.T) {
	e := newEnv(t)
	e.fake.Inject("TransactWriteItems", "orders", errors.New("service unavailable"))
	ctx := userCtx("u1")

	out, err := e.orch.Submit(ctx, e.sess, Request{Address: address(), UsePoints: true})
	var rwe *apperr.RemoteWriteError
	require.ErrorAs(t, err, &rwe)
	assert.Equal(t, StateErrored, out.Final())
	assert.Equal(t, apperr.MsgGenericRetry, apperr.UserMessage(err))

	assert.Equal(t, 1, e.sess.Snapshot().Cart.Count())
	bal, err := e.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), bal, "no points deducted without an order")
}

func TestSubmit_BalanceReadFailureUsesCachedProfile(t *testing.T) {
	e := newEnv(t)
	ctx := userCtx("u1")
	_, err := e.sess.SetBalance(ctx, "u1", 50)
	require.NoError(t, err)
	e.fake.Inject("GetItem", "users", errors.New("timeout"))

	out, err := e.orch.Submit(ctx, e.sess, Request{Address: address(), UsePoints: true})
	require.NoError(t, err)
	assert.Equal(t, int64(50), out.PointsUsed)
	assert.Equal(t, int64(5000), out.Order.DiscountTotal)
}

func TestCreditEarnedPoints(t *testing.T) {
	e := newEnv(t)
	ctx := userCtx("u1")

	out, err := e.orch.Submit(ctx, e.sess, Request{Address: address(), UsePoints: true})
	require.NoError(t, err)

	_, err = e.orch.CreditEarnedPoints(ctx, *out.Order)
	assert.ErrorIs(t, err, ErrOrderNotPaid)

	paid, err := e.orch.orders.MarkPaid(ctx, out.Order.ID)
	require.NoError(t, err)

	entry, err := e.orch.CreditEarnedPoints(ctx, paid)
	require.NoError(t, err)
	assert.Equal(t, int64(108), entry.Amount)
	assert.Equal(t, points.SourceOrderEarn, entry.SourceType)

	again, err := e.orch.CreditEarnedPoints(ctx, paid)
	require.NoError(t, err)
	assert.Zero(t, again.Amount)

	bal, err := e.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(108), bal)
	assert.True(t, e.cw.has(aws.MetricPointsCredited))
}

func TestRedeem(t *testing.T) {
	e := newEnv(t)
	ctx := userCtx("u1")
	require.NoError(t, e.products.Put(ctx, catalog.Product{ProductID: "p-cup", Name: "Tea Cup", Price: 4500, PointsPrice: 150}))
	require.NoError(t, e.products.Put(ctx, catalog.Product{ProductID: "p-pot", Name: "Tea Pot", Price: 9900}))

	r, err := e.orch.Redeem(ctx, e.sess, "p-cup")
	require.NoError(t, err)
	assert.Equal(t, int64(-150), r.Entry.Amount)
	assert.Equal(t, points.SourceRedemption, r.Entry.SourceType)
	assert.Equal(t, "p-cup", r.Entry.SourceID)
	assert.Equal(t, int64(50), e.sess.Snapshot().User.PointsBalance)

	_, err = e.orch.Redeem(ctx, e.sess, "p-cup")
	assert.ErrorIs(t, err, apperr.ErrInsufficientPoints)

	_, err = e.orch.Redeem(ctx, e.sess, "p-pot")
	var ve *apperr.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = e.orch.Redeem(ctx, e.sess, "p-missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRedeem_LedgerFailureFallsBackLocally(t *testing.T) {
	e := newEnv(t)
	ctx := userCtx("u1")
	require.NoError(t, e.products.Put(ctx, catalog.Product{ProductID: "p-cup", Name: "Tea Cup", Price: 4500, PointsPrice: 150}))
	e.fake.Inject("TransactWriteItems", "points_ledger", errors.New("offline"))

	r, err := e.orch.Redeem(ctx, e.sess, "p-cup")
	require.NoError(t, err)
	assert.True(t, r.PointsFallback)
	assert.True(t, r.Entry.Local)
	assert.Equal(t, int64(50), e.sess.Snapshot().User.PointsBalance)
}
