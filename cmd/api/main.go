package main

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/auth"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/aws"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/catalog"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/checkout"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/config"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/handlers"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/logging"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/orders"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/points"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/session"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/validation"
)

func setupRouter(h *handlers.Handler, verifier *auth.Verifier) *gin.Engine {
	r := gin.New()
	r.Use(logging.RequestLogger(), gin.Recovery(), auth.Optional(verifier))
	handlers.RegisterRoutes(r, h)
	return r
}

func sessionStore(ctx context.Context, cfg *config.Config) session.Store {
	if cfg.RedisAddr == "" {
		log.Warn().Msg("[session] REDIS_ADDR not set, sessions are kept in memory")
		return session.NewMemoryStore()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("[session] redis not reachable yet")
	}
	return session.NewRedisStore(client, cfg.SessionTTL)
}

// sweepSessions drops idle session containers from memory. Their state
// stays in the session store.
func sweepSessions(ctx context.Context, m *session.Manager, idle time.Duration) {
	t := time.NewTicker(idle / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Sweep(idle); n > 0 {
				log.Debug().Int("evicted", n).Msg("[session] swept idle sessions")
			}
		}
	}
}

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.RequireJWTSecret(); err != nil {
		log.Fatal().Err(err).Msg("refusing to start")
	}
	logging.Init(cfg.LogLevel, cfg.LogPretty)

	ctx := context.Background()
	clients, err := aws.NewAWSClients(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init aws clients")
	}

	v := validation.New()
	orderStore := orders.NewStore(clients.DynamoDB, cfg.OrdersTable, cfg.OrderItemsTable, cfg.PaymentWindow)
	ledger := points.NewLedger(clients.DynamoDB, cfg.PointsLedgerTable, cfg.UsersTable)
	products := catalog.NewStore(clients.DynamoDB, cfg.ProductsTable)
	orch := checkout.New(
		orderStore,
		ledger,
		products,
		aws.NewPublisher(clients.SQS, cfg.OrdersQueueURL),
		aws.NewMetrics(clients.CloudWatch, cfg.MetricsNamespace),
		v,
	)

	sessions := session.NewManager(sessionStore(ctx, cfg), cfg.LocalLedgerCap)
	go sweepSessions(ctx, sessions, cfg.SessionIdle)

	h := handlers.New(handlers.HandlerConfig{
		Orders:         orderStore,
		Ledger:         ledger,
		Catalog:        products,
		Idempotency:    idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL),
		Checkout:       orch,
		Sessions:       sessions,
		Validator:      v,
		ShippingFee:    cfg.ShippingFee,
		LedgerPageSize: cfg.LedgerPageSize,
	})
	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init token verifier")
	}
	r := setupRouter(h, verifier)

	if cfg.RunLocal {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("running local server")
		if err := r.Run(cfg.HTTPAddr); err != nil {
			log.Fatal().Err(err).Msg("failed to run local server")
		}
		return
	}

	adapter := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
