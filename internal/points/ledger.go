// Package points is the loyalty-points ledger: an append-only list of signed
// adjustments per user plus the running balance kept on the user row.
package points

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/apperr"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/aws"
)

var (
	// ErrDuplicateAdjustment is returned when an adjustment with the same
	// dedup key was already recorded.
	ErrDuplicateAdjustment = errors.New("adjustment already recorded")
	// ErrUnknownUser is wrapped in a RemoteWriteError when the balance row
	// does not exist.
	ErrUnknownUser = errors.New("unknown user")
)

// Ledger reads and appends ledger entries and keeps users.points_balance in
// step with them.
type Ledger struct {
	client      aws.DynamoDBAPI
	ledgerTable string
	usersTable  string
	nowFunc     func() time.Time
}

// NewLedger returns a Ledger over the ledger and users tables.
func NewLedger(client aws.DynamoDBAPI, ledgerTable, usersTable string) *Ledger {
	return &Ledger{
		client:      client,
		ledgerTable: ledgerTable,
		usersTable:  usersTable,
		nowFunc:     time.Now,
	}
}

// EnsureUser creates the balance row for a user seen for the first time.
// An existing row is left untouched.
func (l *Ledger) EnsureUser(ctx context.Context, userID, username string) error {
	now := l.nowFunc().UTC()
	item, err := attributevalue.MarshalMap(User{UserID: userID, Username: username, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	_, err = l.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &l.usersTable,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(user_id)"),
	})
	if err != nil {
		var sc smithy.APIError
		if errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException" {
			return nil
		}
		return &apperr.RemoteWriteError{Op: "ensure user", Err: err}
	}
	return nil
}

// RecordAdjustment appends one entry and moves the stored balance by the same
// amount in a single transaction. The amount is not checked against the
// balance; callers enforce any floor.
func (l *Ledger) RecordAdjustment(ctx context.Context, adj Adjustment) (Entry, error) {
	if adj.UserID == "" {
		return Entry{}, apperr.NewValidation("user_id", "required")
	}
	if adj.Amount == 0 {
		return Entry{}, apperr.NewValidation("amount", "must not be zero")
	}
	if adj.SourceType == "" {
		return Entry{}, apperr.NewValidation("source_type", "required")
	}

	now := l.nowFunc().UTC()
	e := Entry{
		UserID:      adj.UserID,
		ID:          uuid.NewString(),
		Amount:      adj.Amount,
		SourceType:  adj.SourceType,
		SourceID:    adj.SourceID,
		Description: adj.description(),
		CreatedAt:   now,
	}
	e.EntryKey = entryKey(now, e.ID)

	entryItem, err := attributevalue.MarshalMap(e)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal entry: %w", err)
	}

	transactItems := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           &l.ledgerTable,
				Item:                entryItem,
				ConditionExpression: aws.String("attribute_not_exists(entry_key)"),
			},
		},
		{
			Update: &types.Update{
				TableName: &l.usersTable,
				Key: map[string]types.AttributeValue{
					"user_id": &types.AttributeValueMemberS{Value: adj.UserID},
				},
				UpdateExpression:    aws.String("ADD points_balance :delta SET updated_at = :ua"),
				ConditionExpression: aws.String("attribute_exists(user_id)"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":delta": &types.AttributeValueMemberN{Value: strconv.FormatInt(adj.Amount, 10)},
					":ua":    &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
				},
			},
		},
	}
	if adj.DedupKey != "" {
		transactItems = append(transactItems, types.TransactWriteItem{
			Put: &types.Put{
				TableName: &l.ledgerTable,
				Item: map[string]types.AttributeValue{
					"user_id":    &types.AttributeValueMemberS{Value: adj.UserID},
					"entry_key":  &types.AttributeValueMemberS{Value: dedupKey(adj.DedupKey)},
					"entry_id":   &types.AttributeValueMemberS{Value: e.ID},
					"created_at": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
				},
				ConditionExpression: aws.String("attribute_not_exists(entry_key)"),
			},
		})
	}

	_, err = l.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: transactItems})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			if adj.DedupKey != "" && conditionFailed(tce, 2) {
				return Entry{}, ErrDuplicateAdjustment
			}
			if conditionFailed(tce, 1) {
				err = fmt.Errorf("%w %s: %v", ErrUnknownUser, adj.UserID, err)
			}
		}
		log.Error().Err(err).Str("user_id", adj.UserID).Int64("amount", adj.Amount).
			Str("source_id", adj.SourceID).Msg("[ledger] record adjustment failed")
		return Entry{}, &apperr.RemoteWriteError{Op: "record adjustment", Err: err}
	}
	return e, nil
}

func conditionFailed(tce *types.TransactionCanceledException, idx int) bool {
	if idx >= len(tce.CancellationReasons) {
		return false
	}
	code := tce.CancellationReasons[idx].Code
	return code != nil && *code == "ConditionalCheckFailed"
}

// FetchRecent returns up to limit entries for the user, newest first.
// A non-positive limit uses DefaultPageSize.
func (l *Ledger) FetchRecent(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	out, err := l.client.Query(ctx, &dyn.QueryInput{
		TableName:              &l.ledgerTable,
		KeyConditionExpression: aws.String("user_id = :u AND begins_with(entry_key, :p)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":u": &types.AttributeValueMemberS{Value: userID},
			":p": &types.AttributeValueMemberS{Value: "entry#"},
		},
		ScanIndexForward: boolPtr(false),
		Limit:            int32Ptr(int32(limit)),
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("[ledger] fetch recent failed")
		return nil, &apperr.RemoteReadError{Op: "fetch ledger", Err: err}
	}
	entries := make([]Entry, 0, len(out.Items))
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal entries: %w", err)
	}
	return entries, nil
}

// Balance returns the stored running balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	out, err := l.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &l.usersTable,
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return 0, &apperr.RemoteReadError{Op: "get balance", Err: err}
	}
	if len(out.Item) == 0 {
		return 0, apperr.ErrNotFound
	}
	var u User
	if err := attributevalue.UnmarshalMap(out.Item, &u); err != nil {
		return 0, fmt.Errorf("unmarshal user: %w", err)
	}
	return u.PointsBalance, nil
}

func boolPtr(b bool) *bool { return &b }
func int32Ptr(n int32) *int32 { return &n }
