package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/aws"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/catalog"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/checkout"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/config"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/logging"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/orders"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/points"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/validation"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal().Err(err).Msg("[worker] failed to load config")
	}
	logging.Init(cfg.LogLevel, cfg.LogPretty)

	ctx := context.Background()
	clients, err := aws.NewAWSClients(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("[worker] failed to init aws clients")
	}

	orderStore := orders.NewStore(clients.DynamoDB, cfg.OrdersTable, cfg.OrderItemsTable, cfg.PaymentWindow)
	orch := checkout.New(
		orderStore,
		points.NewLedger(clients.DynamoDB, cfg.PointsLedgerTable, cfg.UsersTable),
		catalog.NewStore(clients.DynamoDB, cfg.ProductsTable),
		nil,
		aws.NewMetrics(clients.CloudWatch, cfg.MetricsNamespace),
		validation.New(),
	)
	p := NewProcessor(orderStore, orch)

	if cfg.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			log.Fatal().Msg("[worker] LOCAL_SQS_BODY is required when RUN_LOCAL is set")
		}
		resp, err := p.Handle(ctx, events.SQSEvent{
			Records: []events.SQSMessage{{MessageId: "local-1", Body: body}},
		})
		if err != nil || len(resp.BatchItemFailures) > 0 {
			log.Fatal().Err(err).Msg("[worker] local message failed")
		}
		return
	}

	lambda.Start(p.Handle)
}
