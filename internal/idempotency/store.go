package idempotency

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
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/apperr"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/aws"
)

// DefaultTTL is how long a record is kept when no window is configured.
const DefaultTTL = 48 * time.Hour

// markAttempts bounds how often MarkDone is tried on transient failures.
const markAttempts = 3

var (
	// ErrKeyReused is returned when a key comes back with a different request.
	ErrKeyReused = errors.New("idempotency key reused with a different request")
	// ErrNotInProgress is returned when a key being marked is no longer
	// IN_PROGRESS.
	ErrNotInProgress = errors.New("idempotency key is not in progress")
)

// Store encapsulates idempotency operations against DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration
	backoff   time.Duration
	nowFunc   func() time.Time
}

// NewStore returns a configured Store. A non-positive ttlWindow uses
// DefaultTTL.
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *Store {
	if ttlWindow <= 0 {
		ttlWindow = DefaultTTL
	}
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		backoff:   50 * time.Millisecond,
		nowFunc:   time.Now,
	}
}

func isConditionFailed(err error) bool {
	var sc smithy.APIError
	return errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException"
}

// Begin claims key for a request identified by requestHash.
//
// It returns (rec, true, nil) when the caller owns the key and should run the
// request. A previously FAILED record is reclaimed the same way. Otherwise it
// returns the existing record with claimed=false so the caller can replay a
// DONE response or report an IN_PROGRESS one. A record stored for a different
// requestHash yields ErrKeyReused.
func (s *Store) Begin(ctx context.Context, key, requestHash string) (*Record, bool, error) {
	now := s.nowFunc().UTC()
	rec := Record{
		IdempotencyKey: key,
		Status:         StatusInProgress,
		RequestHash:    requestHash,
		Attempts:       1,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ttlWindow).Unix(),
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, false, fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(idempotency_key)"),
	})
	if err == nil {
		return &rec, true, nil
	}
	if !isConditionFailed(err) {
		return nil, false, &apperr.RemoteWriteError{Op: "claim idempotency key", Err: err}
	}

	existing, err := s.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// expired and swept between the put and the read
		return s.Begin(ctx, key, requestHash)
	}
	if existing.RequestHash != requestHash {
		return existing, false, ErrKeyReused
	}
	if existing.Status != StatusFailed {
		return existing, false, nil
	}
	return s.reclaim(ctx, existing)
}

// reclaim moves a FAILED record back to IN_PROGRESS. Losing the race to
// another reclaim returns the record as it now stands.
func (s *Store) reclaim(ctx context.Context, rec *Record) (*Record, bool, error) {
	now := s.nowFunc().UTC()
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: rec.IdempotencyKey},
		},
		UpdateExpression:         aws.String("SET #s = :inprogress, updated_at = :ua ADD attempts :one"),
		ConditionExpression:      aws.String("#s = :failed"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":failed":     &types.AttributeValueMemberS{Value: StatusFailed},
			":one":        &types.AttributeValueMemberN{Value: "1"},
			":ua":         &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			current, gerr := s.Get(ctx, rec.IdempotencyKey)
			if gerr != nil {
				return nil, false, gerr
			}
			return current, false, nil
		}
		return nil, false, &apperr.RemoteWriteError{Op: "reclaim idempotency key", Err: err}
	}
	var updated Record
	if err := attributevalue.UnmarshalMap(out.Attributes, &updated); err != nil {
		return nil, false, fmt.Errorf("unmarshal record: %w", err)
	}
	log.Info().Str("key", rec.IdempotencyKey).Int("attempts", updated.Attempts).Msg("[idempotency] retrying failed request")
	return &updated, true, nil
}

// Get retrieves an idempotency record by key. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, &apperr.RemoteReadError{Op: "get idempotency record", Err: err}
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// MarkDone stores the response for replay. Only an IN_PROGRESS record can
// be completed.
func (s *Store) MarkDone(ctx context.Context, key, orderID, responseBody string, responseStatus int) error {
	var err error
	for attempt := 1; attempt <= markAttempts; attempt++ {
		err = s.markDone(ctx, key, orderID, responseBody, responseStatus)
		if err == nil || errors.Is(err, ErrNotInProgress) {
			return err
		}
		log.Warn().Err(err).Str("key", key).Int("attempt", attempt).Msg("[idempotency] mark done failed")
		if attempt == markAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(s.backoff * time.Duration(attempt)):
		}
	}
	log.Error().Err(err).Str("key", key).Str("order_id", orderID).Msg("[idempotency] giving up on mark done")
	return err
}

func (s *Store) markDone(ctx context.Context, key, orderID, responseBody string, responseStatus int) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: key},
		},
		UpdateExpression:         aws.String("SET #s = :done, order_id = :oid, response_body = :rb, response_status = :rs, updated_at = :ua"),
		ConditionExpression:      aws.String("#s = :inprogress"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":done":       &types.AttributeValueMemberS{Value: StatusDone},
			":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":oid":        &types.AttributeValueMemberS{Value: orderID},
			":rb":         &types.AttributeValueMemberS{Value: responseBody},
			":rs":         &types.AttributeValueMemberN{Value: strconv.Itoa(responseStatus)},
			":ua":         &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotInProgress
		}
		return &apperr.RemoteWriteError{Op: "mark idempotency done", Err: err}
	}
	return nil
}

// MarkFailed releases the key so the same request can be retried.
func (s *Store) MarkFailed(ctx context.Context, key, note string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: key},
		},
		UpdateExpression:         aws.String("SET #s = :failed, note = :n, updated_at = :ua"),
		ConditionExpression:      aws.String("#s = :inprogress"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed":     &types.AttributeValueMemberS{Value: StatusFailed},
			":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":n":          &types.AttributeValueMemberS{Value: note},
			":ua":         &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("[idempotency] mark failed failed")
		return &apperr.RemoteWriteError{Op: "mark idempotency failed", Err: err}
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }
