package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/aws"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/checkout"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/orders"
)

// Processor consumes order events and moves paid orders forward.
type Processor struct {
	orders   *orders.Store
	checkout *checkout.Orchestrator
}

// NewProcessor wires a Processor to the order store and the orchestrator
// that owns the earned-points credit.
func NewProcessor(orderStore *orders.Store, orch *checkout.Orchestrator) *Processor {
	return &Processor{orders: orderStore, checkout: orch}
}

// Handle processes a batch and reports failed messages individually so SQS
// only redelivers those.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	log.Info().Int("messages", len(ev.Records)).Msg("[worker] batch received")
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			log.Error().Err(err).Str("message_id", rec.MessageId).Msg("[worker] message failed")
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: rec.MessageId,
			})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	ev, err := decodeEvent(rec.Body)
	if err != nil {
		return err
	}
	logger := log.With().Str("type", ev.Type).Str("order_id", ev.OrderID).Str("corr", ev.Correlation).Logger()

	switch ev.Type {
	case aws.EventPaymentConfirmed:
		return p.confirmPayment(ctx, ev.OrderID)
	case aws.EventOrderCreated:
		logger.Debug().Msg("[worker] order created, awaiting payment")
		return nil
	default:
		logger.Warn().Msg("[worker] unknown event type, skipping")
		return nil
	}
}

// confirmPayment marks the order paid and credits its earned points. A
// redelivered message finds the order already paid and only retries the
// credit, which the ledger deduplicates.
func (p *Processor) confirmPayment(ctx context.Context, orderID string) error {
	o, err := p.orders.MarkPaid(ctx, orderID)
	if errors.Is(err, orders.ErrStatusMismatch) {
		o, err = p.orders.Load(ctx, orderID)
		if err != nil {
			return fmt.Errorf("load order %s: %w", orderID, err)
		}
		if o.PaymentStatus != orders.PaymentPaid {
			log.Warn().Str("order_id", orderID).Str("status", o.Status).
				Msg("[worker] order cannot be paid in its current status")
			return nil
		}
		log.Info().Str("order_id", orderID).Msg("[worker] order already paid")
	} else if err != nil {
		return fmt.Errorf("mark order %s paid: %w", orderID, err)
	}

	entry, err := p.checkout.CreditEarnedPoints(ctx, o)
	if err != nil {
		return fmt.Errorf("credit points for order %s: %w", orderID, err)
	}
	log.Info().Str("order_id", orderID).Str("order_code", o.OrderCode).Int64("points", entry.Amount).
		Msg("[worker] payment confirmed")
	return nil
}
