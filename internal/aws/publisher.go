package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Event types carried on the orders queue.
const (
	EventOrderCreated     = "order.created"
	EventPaymentConfirmed = "payment.confirmed"
)

// OrderEvent is the JSON body of every message on the orders queue.
type OrderEvent struct {
	Type        string    `json:"type"`
	OrderID     string    `json:"order_id"`
	OrderCode   string    `json:"order_code,omitempty"`
	UserID      string    `json:"user_id"`
	GrandTotal  int64     `json:"grand_total,omitempty"`
	PointsUsed  int64     `json:"points_used,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	Correlation string    `json:"correlation_id,omitempty"`
}

// Publisher wraps an SQS client and a queue URL.
type Publisher struct {
	SQS      SQSAPI
	QueueURL string
}

// NewPublisher returns a Publisher bound to a queue URL.
func NewPublisher(sqsClient SQSAPI, queueURL string) *Publisher {
	return &Publisher{
		SQS:      sqsClient,
		QueueURL: queueURL,
	}
}

// Publish sends ev as JSON. The event type and order id are duplicated into
// message attributes so consumers can filter without decoding the body.
func (p *Publisher) Publish(ctx context.Context, ev OrderEvent) error {
	if p.QueueURL == "" {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	attrs := map[string]sqstypes.MessageAttributeValue{
		"event_type": {DataType: String("String"), StringValue: String(ev.Type)},
		"order_id":   {DataType: String("String"), StringValue: String(ev.OrderID)},
	}
	if ev.Correlation != "" {
		attrs["correlation_id"] = sqstypes.MessageAttributeValue{DataType: String("String"), StringValue: String(ev.Correlation)}
	}

	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          &p.QueueURL,
		MessageBody:       String(string(body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}
