package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metric names emitted by the service.
const (
	MetricOrdersCreated  = "OrdersCreated"
	MetricLedgerFallback = "LedgerFallback"
	MetricPointsCredited = "PointsCredited"
)

// Metrics publishes counters to CloudWatch.
type Metrics struct {
	client    CloudWatchAPI
	namespace string
	nowFunc   func() time.Time
}

// NewMetrics returns a Metrics bound to namespace. A nil client yields a
// Metrics whose Count is a no-op.
func NewMetrics(client CloudWatchAPI, namespace string) *Metrics {
	return &Metrics{client: client, namespace: namespace, nowFunc: time.Now}
}

// Count adds value to the named counter.
func (m *Metrics) Count(ctx context.Context, name string, value float64) error {
	if m == nil || m.client == nil {
		return nil
	}
	ts := m.nowFunc()
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: String(name),
				Timestamp:  &ts,
				Unit:       cwtypes.StandardUnitCount,
				Value:      &value,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("put metric %s: %w", name, err)
	}
	return nil
}
