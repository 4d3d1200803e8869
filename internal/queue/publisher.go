// Package queue publishes domain events to SQS for downstream consumers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"turfwar/internal/ingest"
	"turfwar/internal/types"
)

// EventSnapshotIngested is the event_type attribute of ingest events.
const EventSnapshotIngested = "snapshot.ingested"

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

var (
	_ ingest.EventPublisher = (*SQSPublisher)(nil)
	_ ingest.EventPublisher = NoopPublisher{}
)

// SQSPublisher sends one JSON message per committed ingest.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

func NewSQSPublisher(client SQSSender, queueURL string, logger *slog.Logger) *SQSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSPublisher{client: client, queueURL: queueURL, logger: logger}
}

// PublishSnapshotIngested sends e. Messages for one guild share a group id
// so FIFO queues keep them ordered; standard queues ignore it.
func (p *SQSPublisher) PublishSnapshotIngested(ctx context.Context, e types.SnapshotIngestedEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal snapshot event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(EventSnapshotIngested),
			},
			"round_number": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(e.RoundNumber)),
			},
		},
	}
	if isFIFO(p.queueURL) {
		input.MessageGroupId = aws.String(strconv.FormatInt(e.GuildID, 10))
		input.MessageDeduplicationId = aws.String(fmt.Sprintf("%d-%s", e.GuildID, e.SnapshotDatetime))
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send snapshot event to %s: %w", p.queueURL, err)
	}

	p.logger.DebugContext(ctx, "snapshot event sent",
		"guild_id", e.GuildID,
		"snapshot_datetime", e.SnapshotDatetime,
	)
	return nil
}

func isFIFO(queueURL string) bool {
	return strings.HasSuffix(queueURL, ".fifo")
}

// NoopPublisher drops every event. Used when no queue is configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishSnapshotIngested(context.Context, types.SnapshotIngestedEvent) error {
	return nil
}
