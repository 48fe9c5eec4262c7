package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/apperr"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/auth"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/aws"
)

// UserIndex is the orders GSI keyed on (user_id, created_at_ns).
const UserIndex = "user_id-created_at_ns-index"

// DefaultPaymentWindow is how long a new order waits for payment.
const DefaultPaymentWindow = 30 * time.Minute

// maxTransactItems is the DynamoDB limit on items per TransactWriteItems.
const maxTransactItems = 100

// ErrStatusMismatch is returned when a conditional status transition finds
// the order in another state.
var ErrStatusMismatch = errors.New("status mismatch/conditional failed")

// Store encapsulates operations on the orders and order_items tables.
type Store struct {
	client     aws.DynamoDBAPI
	ordersTbl  string
	itemsTbl   string
	window     time.Duration
	nowFunc    func() time.Time
	newCode    func() (string, error)
	queryLimit int32 // items per Query page; 0 lets DynamoDB decide
}

// NewStore creates a new orders Store. A non-positive window uses
// DefaultPaymentWindow.
func NewStore(client aws.DynamoDBAPI, ordersTable, itemsTable string, window time.Duration) *Store {
	if window <= 0 {
		window = DefaultPaymentWindow
	}
	return &Store{
		client:    client,
		ordersTbl: ordersTable,
		itemsTbl:  itemsTable,
		window:    window,
		nowFunc:   time.Now,
		newCode:   NewOrderCode,
	}
}

// NewOrderCode returns a human-facing order code. It is built on a
// time-ordered UUID so codes sort by creation and never collide.
func NewOrderCode() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate order code: %w", err)
	}
	return "OD-" + id.String(), nil
}

func validateNewOrder(in NewOrder) error {
	fields := map[string]string{}
	if len(in.Lines) == 0 {
		fields["lines"] = "cart is empty"
	}
	for i, l := range in.Lines {
		if l.ProductID == "" {
			fields[fmt.Sprintf("lines[%d].product_id", i)] = "required"
		}
		if l.Quantity < 1 {
			fields[fmt.Sprintf("lines[%d].quantity", i)] = "must be at least 1"
		}
		if l.UnitPrice < 0 {
			fields[fmt.Sprintf("lines[%d].unit_price", i)] = "must not be negative"
		}
	}
	if in.ShippingFee < 0 {
		fields["shipping_fee"] = "must not be negative"
	}
	if in.DiscountTotal < 0 {
		fields["discount_total"] = "must not be negative"
	}
	if len(fields) > 0 {
		return &apperr.ValidationError{Fields: fields}
	}
	t := ComputeTotals(in.Lines, in.ShippingFee, in.DiscountTotal)
	if in.GrandTotal != t.GrandTotal {
		return apperr.NewValidation("grand_total", fmt.Sprintf("expected %d, got %d", t.GrandTotal, in.GrandTotal))
	}
	return nil
}

// Create persists a new order for the authenticated caller. Header and items
// are written in one transaction when they fit; larger orders are written in
// stages and the header is marked failed if any stage after it fails.
func (s *Store) Create(ctx context.Context, in NewOrder) (Order, error) {
	who, err := auth.CurrentUser(ctx)
	if err != nil {
		return Order{}, err
	}
	if err := validateNewOrder(in); err != nil {
		return Order{}, err
	}
	code, err := s.newCode()
	if err != nil {
		return Order{}, err
	}

	now := s.nowFunc().UTC()
	t := ComputeTotals(in.Lines, in.ShippingFee, in.DiscountTotal)
	o := Order{
		ID:            uuid.NewString(),
		OrderCode:     code,
		UserID:        who.UserID,
		Status:        StatusPending,
		PaymentStatus: PaymentUnpaid,
		ItemsTotal:    t.ItemsTotal,
		ShippingFee:   t.ShippingFee,
		DiscountTotal: t.DiscountTotal,
		GrandTotal:    t.GrandTotal,
		PointsUsed:    in.PointsUsed,
		CustomerName:  in.Customer.Name,
		CustomerPhone: in.Customer.Phone,
		CustomerEmail: in.Customer.Email,
		Address:       in.Address,
		CreatedAt:     now,
		CreatedAtNs:   now.UnixNano(),
		ExpiresAt:     now.Add(s.window),
		UpdatedAt:     now,
	}
	o.Items = make([]LineItem, 0, len(in.Lines))
	for i, l := range in.Lines {
		o.Items = append(o.Items, LineItem{
			OrderID:     o.ID,
			LineNo:      i + 1,
			ProductID:   l.ProductID,
			ProductName: l.ProductName,
			UnitPrice:   l.UnitPrice,
			Quantity:    l.Quantity,
			LineTotal:   l.LineTotal(),
		})
	}

	if len(o.Items)+1 <= maxTransactItems {
		err = s.createAtomic(ctx, o)
	} else {
		err = s.createStaged(ctx, &o)
	}
	if err != nil {
		return Order{}, err
	}
	return o, nil
}

func (s *Store) headerPut(o Order) (*types.Put, error) {
	item, err := attributevalue.MarshalMap(o)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	return &types.Put{
		TableName:           &s.ordersTbl,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(order_id)"),
	}, nil
}

func (s *Store) itemPuts(items []LineItem) ([]types.TransactWriteItem, error) {
	out := make([]types.TransactWriteItem, 0, len(items))
	for _, it := range items {
		m, err := attributevalue.MarshalMap(it)
		if err != nil {
			return nil, fmt.Errorf("marshal line item: %w", err)
		}
		out = append(out, types.TransactWriteItem{Put: &types.Put{TableName: &s.itemsTbl, Item: m}})
	}
	return out, nil
}

func (s *Store) createAtomic(ctx context.Context, o Order) error {
	header, err := s.headerPut(o)
	if err != nil {
		return err
	}
	items, err := s.itemPuts(o.Items)
	if err != nil {
		return err
	}
	transactItems := append([]types.TransactWriteItem{{Put: header}}, items...)

	if _, err := s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: transactItems}); err != nil {
		log.Error().Err(err).Str("order_code", o.OrderCode).Str("user_id", o.UserID).Msg("[orders] create transaction failed")
		return &apperr.RemoteWriteError{Op: "create order", Err: err}
	}
	return nil
}

func (s *Store) createStaged(ctx context.Context, o *Order) error {
	staged := *o
	staged.Status = StatusCreating
	header, err := s.headerPut(staged)
	if err != nil {
		return err
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           header.TableName,
		Item:                header.Item,
		ConditionExpression: header.ConditionExpression,
	}); err != nil {
		log.Error().Err(err).Str("order_code", o.OrderCode).Msg("[orders] header write failed")
		return &apperr.RemoteWriteError{Op: "create order", Err: err}
	}

	for start := 0; start < len(o.Items); start += maxTransactItems {
		end := start + maxTransactItems
		if end > len(o.Items) {
			end = len(o.Items)
		}
		chunk, err := s.itemPuts(o.Items[start:end])
		if err == nil {
			_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: chunk})
		}
		if err != nil {
			return s.abandon(ctx, o, err)
		}
	}

	if err := s.UpdateStatus(ctx, o.ID, StatusCreating, StatusPending); err != nil {
		return s.abandon(ctx, o, err)
	}
	return nil
}

// abandon marks a partially written order failed so it is never shown as a
// payable order.
func (s *Store) abandon(ctx context.Context, o *Order, cause error) error {
	markErr := s.UpdateStatus(ctx, o.ID, StatusCreating, StatusFailed)
	if markErr != nil {
		log.Error().Err(markErr).Str("order_id", o.ID).Msg("[orders] could not mark partial order failed")
	}
	log.Error().Err(cause).Str("order_id", o.ID).Str("order_code", o.OrderCode).
		Int("lines", len(o.Items)).Msg("[orders] partial order creation")
	return &apperr.PartialOrderCreationError{
		OrderID:      o.ID,
		OrderCode:    o.OrderCode,
		MarkedFailed: markErr == nil,
		Err:          cause,
	}
}

// List returns the caller's orders newest first, each with its items.
// Orders still being written are skipped.
func (s *Store) List(ctx context.Context) ([]Order, error) {
	who, err := auth.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := aws.QueryAll(ctx, s.client, &dyn.QueryInput{
		TableName:              &s.ordersTbl,
		IndexName:              aws.String(UserIndex),
		KeyConditionExpression: aws.String("user_id = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":u": &types.AttributeValueMemberS{Value: who.UserID},
		},
		ScanIndexForward: boolPtr(false),
		Limit:            s.limit(),
	})
	if err != nil {
		return nil, &apperr.RemoteReadError{Op: "list orders", Err: err}
	}
	var headers []Order
	if err := attributevalue.UnmarshalListOfMaps(rows, &headers); err != nil {
		return nil, fmt.Errorf("unmarshal orders: %w", err)
	}

	result := make([]Order, 0, len(headers))
	for _, o := range headers {
		if o.Status == StatusCreating {
			continue
		}
		if o.Items, err = s.items(ctx, o.ID); err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, nil
}

// Get returns one of the caller's orders. Orders owned by someone else are
// reported exactly like missing ones.
func (s *Store) Get(ctx context.Context, orderID string) (Order, error) {
	who, err := auth.CurrentUser(ctx)
	if err != nil {
		return Order{}, err
	}
	o, err := s.Load(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if o.UserID != who.UserID {
		return Order{}, apperr.ErrNotFound
	}
	return o, nil
}

// Load fetches an order and its items without an ownership check. It serves
// trusted back-office callers such as the payment worker.
func (s *Store) Load(ctx context.Context, orderID string) (Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.ordersTbl,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
	})
	if err != nil {
		return Order{}, &apperr.RemoteReadError{Op: "get order", Err: err}
	}
	if len(out.Item) == 0 {
		return Order{}, apperr.ErrNotFound
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return Order{}, fmt.Errorf("unmarshal order: %w", err)
	}
	if o.Items, err = s.items(ctx, o.ID); err != nil {
		return Order{}, err
	}
	return o, nil
}

func (s *Store) items(ctx context.Context, orderID string) ([]LineItem, error) {
	rows, err := aws.QueryAll(ctx, s.client, &dyn.QueryInput{
		TableName:              &s.itemsTbl,
		KeyConditionExpression: aws.String("order_id = :o"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":o": &types.AttributeValueMemberS{Value: orderID},
		},
		Limit: s.limit(),
	})
	if err != nil {
		return nil, &apperr.RemoteReadError{Op: "get order items", Err: err}
	}
	items := make([]LineItem, 0, len(rows))
	if err := attributevalue.UnmarshalListOfMaps(rows, &items); err != nil {
		return nil, fmt.Errorf("unmarshal order items: %w", err)
	}
	return items, nil
}

// MarkPaid flips an unpaid pending order to paid and returns the new header.
// A second call returns ErrStatusMismatch.
func (s *Store) MarkPaid(ctx context.Context, orderID string) (Order, error) {
	now := s.nowFunc().UTC()
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.ordersTbl,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:         aws.String("SET payment_status = :paid, #s = :paidStatus, paid_at = :ua, updated_at = :ua"),
		ConditionExpression:      aws.String("attribute_exists(order_id) AND payment_status = :unpaid AND #s = :pending"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":paid":       &types.AttributeValueMemberS{Value: PaymentPaid},
			":paidStatus": &types.AttributeValueMemberS{Value: StatusPaid},
			":unpaid":     &types.AttributeValueMemberS{Value: PaymentUnpaid},
			":pending":    &types.AttributeValueMemberS{Value: StatusPending},
			":ua":         &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		var sc *types.ConditionalCheckFailedException
		if errors.As(err, &sc) {
			return Order{}, ErrStatusMismatch
		}
		return Order{}, &apperr.RemoteWriteError{Op: "mark paid", Err: err}
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Attributes, &o); err != nil {
		return Order{}, fmt.Errorf("unmarshal order: %w", err)
	}
	return o, nil
}

// UpdateStatus conditionally updates the order status from expected -> newStatus.
// Returns nil on success, ErrStatusMismatch if condition failed.
func (s *Store) UpdateStatus(ctx context.Context, orderID, expectedStatus, newStatus string) error {
	now := s.nowFunc().UTC()
	input := &dyn.UpdateItemInput{
		TableName: &s.ordersTbl,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:         aws.String("SET #s = :new, updated_at = :ua"),
		ConditionExpression:      aws.String("#s = :expected"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: newStatus},
			":expected": &types.AttributeValueMemberS{Value: expectedStatus},
			":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		var sc *types.ConditionalCheckFailedException
		if errors.As(err, &sc) {
			return ErrStatusMismatch
		}
		return &apperr.RemoteWriteError{Op: "update status", Err: err}
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }

func (s *Store) limit() *int32 {
	if s.queryLimit <= 0 {
		return nil
	}
	l := s.queryLimit
	return &l
}

