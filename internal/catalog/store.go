// Package catalog reads product snapshots used to build cart lines and
// points-mall redemptions. Prices always come from here, never the client.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/apperr"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/aws"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/cart"
)

// StatusIndex is the GSI keyed on catalog_status.
const StatusIndex = "catalog_status-index"

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Product is the item stored in the products table.
type Product struct {
	ProductID   string    `dynamodbav:"product_id" json:"id"`
	Name        string    `dynamodbav:"name" json:"name"`
	Category    string    `dynamodbav:"category,omitempty" json:"category,omitempty"`
	Price       int64     `dynamodbav:"price" json:"price"`
	PointsPrice int64     `dynamodbav:"points_price,omitempty" json:"points_price,omitempty"`
	Status      string    `dynamodbav:"catalog_status" json:"-"`
	UpdatedAt   time.Time `dynamodbav:"updated_at" json:"updated_at"`
}

// Active reports whether the product can be sold.
func (p Product) Active() bool { return p.Status == StatusActive }

// Redeemable reports whether the product can be bought with points.
func (p Product) Redeemable() bool { return p.Active() && p.PointsPrice > 0 }

// CartItem snapshots the product for a cart line.
func (p Product) CartItem() cart.Item {
	return cart.Item{ProductID: p.ProductID, ProductName: p.Name, UnitPrice: p.Price}
}

// Store reads and writes the products table.
type Store struct {
	client     aws.DynamoDBAPI
	tableName  string
	nowFunc    func() time.Time
	queryLimit int32 // items per Query page; 0 lets DynamoDB decide
}

// NewStore returns a catalog Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{client: client, tableName: tableName, nowFunc: time.Now}
}

// Put upserts a product.
func (s *Store) Put(ctx context.Context, p Product) error {
	if p.Status == "" {
		p.Status = StatusActive
	}
	p.UpdatedAt = s.nowFunc().UTC()
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("marshal product: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{TableName: &s.tableName, Item: item}); err != nil {
		return &apperr.RemoteWriteError{Op: "put product", Err: err}
	}
	return nil
}

// Get returns an active product. Missing and inactive products are
// apperr.ErrNotFound.
func (s *Store) Get(ctx context.Context, productID string) (Product, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"product_id": &types.AttributeValueMemberS{Value: productID},
		},
	})
	if err != nil {
		return Product{}, &apperr.RemoteReadError{Op: "get product", Err: err}
	}
	if len(out.Item) == 0 {
		return Product{}, apperr.ErrNotFound
	}
	var p Product
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return Product{}, fmt.Errorf("unmarshal product: %w", err)
	}
	if !p.Active() {
		return Product{}, apperr.ErrNotFound
	}
	return p, nil
}

// ListActive returns every active product.
func (s *Store) ListActive(ctx context.Context) ([]Product, error) {
	in := &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              aws.String(StatusIndex),
		KeyConditionExpression: aws.String("catalog_status = :s"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberS{Value: StatusActive},
		},
	}
	if s.queryLimit > 0 {
		in.Limit = &s.queryLimit
	}
	rows, err := aws.QueryAll(ctx, s.client, in)
	if err != nil {
		return nil, &apperr.RemoteReadError{Op: "list products", Err: err}
	}
	products := make([]Product, 0, len(rows))
	if err := attributevalue.UnmarshalListOfMaps(rows, &products); err != nil {
		return nil, fmt.Errorf("unmarshal products: %w", err)
	}
	return products, nil
}
