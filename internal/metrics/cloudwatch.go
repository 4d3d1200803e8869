package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/coder/quartz"

	"turfwar/internal/types"
)

// maxDatumsPerPut is the PutMetricData request limit.
const maxDatumsPerPut = 1000

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ types.MetricsRecorder = (*CloudWatch)(nil)

// CloudWatch buffers datums in memory and ships them on Flush. Recording
// never blocks on the network.
type CloudWatch struct {
	client    CloudWatchClient
	namespace string
	clock     quartz.Clock
	logger    *slog.Logger

	mu      sync.Mutex
	pending []cwtypes.MetricDatum
}

func NewCloudWatch(client CloudWatchClient, namespace string, clock quartz.Clock, logger *slog.Logger) *CloudWatch {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatch{client: client, namespace: namespace, clock: clock, logger: logger}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

func (c *CloudWatch) add(name string, value float64, unit cwtypes.StandardUnit, dims ...cwtypes.Dimension) {
	d := cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
		Timestamp:  aws.Time(c.clock.Now()),
		Dimensions: dims,
	}
	c.mu.Lock()
	c.pending = append(c.pending, d)
	c.mu.Unlock()
}

func (c *CloudWatch) RecordJobRun(outcome string, d time.Duration) {
	c.add(types.MetricJobRuns, 1, cwtypes.StandardUnitCount, dim(types.DimOutcome, outcome))
	if outcome != types.OutcomeSkipped {
		c.add(types.MetricJobRunDuration, float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds,
			dim(types.DimOutcome, outcome))
	}
}

func (c *CloudWatch) RecordIngest(round int, snipe bool, members int) {
	c.add(types.MetricIngests, 1, cwtypes.StandardUnitCount,
		dim(types.DimRound, strconv.Itoa(round)), dim(types.DimSnipe, strconv.FormatBool(snipe)))
	c.add(types.MetricMembersIngested, float64(members), cwtypes.StandardUnitCount)
}

func (c *CloudWatch) RecordRequest(method, route, status string, d time.Duration) {
	c.add(types.MetricHTTPRequests, 1, cwtypes.StandardUnitCount,
		dim(types.DimMethod, method), dim(types.DimRoute, route), dim(types.DimStatus, status))
	c.add(types.MetricHTTPDuration, float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds,
		dim(types.DimMethod, method), dim(types.DimRoute, route))
}

func (c *CloudWatch) RecordRollup(outcome string, guilds int) {
	c.add(types.MetricRollupGuilds, float64(guilds), cwtypes.StandardUnitCount, dim(types.DimOutcome, outcome))
}

// Flush sends every buffered datum. Datums from a failed batch are dropped
// and the error logged; metrics are best-effort.
func (c *CloudWatch) Flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	for len(batch) > 0 {
		n := min(len(batch), maxDatumsPerPut)
		_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(c.namespace),
			MetricData: batch[:n],
		})
		if err != nil {
			c.logger.ErrorContext(ctx, "failed to put metric data", "error", err, "datums", n)
		}
		batch = batch[n:]
	}
}

// Run flushes every interval until ctx is done, then flushes once more.
func (c *CloudWatch) Run(ctx context.Context, interval time.Duration) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Flush(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			c.Flush(ctx)
		}
	}
}
