package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/bittucreator/unosend-sub001/internal/pkg/logger"
)

// sqsAPI is the subset of the SQS client the consumer uses.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Consumer long-polls an SQS queue subscribed to the SES notification
// topic. A message is deleted once handled, or when it can never be
// handled; store failures leave it for redelivery.
type Consumer struct {
	client   sqsAPI
	queueURL string
	ingestor *Ingestor
	backoff  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates a consumer for queueURL.
func NewConsumer(client sqsAPI, queueURL string, ingestor *Ingestor) *Consumer {
	return &Consumer{client: client, queueURL: queueURL, ingestor: ingestor, backoff: 5 * time.Second}
}

// Start begins polling in the background.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	logger.Info("delivery: sqs consumer started", "component", "delivery", "queue", c.queueURL)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.poll(ctx)
	}()
}

// Stop cancels polling and waits for the in-flight receive to return.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Consumer) poll(ctx context.Context) {
	for ctx.Err() == nil {
		if _, err := c.ReceiveOnce(ctx, 20); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("delivery: sqs receive", "component", "delivery", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.backoff):
			}
		}
	}
}

// ReceiveOnce receives one batch of up to ten messages and handles them.
// It returns how many were deleted.
func (c *Consumer) ReceiveOnce(ctx context.Context, waitSeconds int32) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     waitSeconds,
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, msg := range out.Messages {
		body := aws.ToString(msg.Body)
		env, err := ParseEnvelope([]byte(body))
		if err != nil {
			logger.Warn("delivery: dropping bad sqs message", "component", "delivery", "error", err)
		} else if err := c.ingestor.HandleEnvelope(ctx, env); err != nil {
			logger.Error("delivery: handle notification", "component", "delivery", "sns_id", env.MessageID, "error", err)
			continue
		}
		if c.delete(ctx, msg.ReceiptHandle) {
			deleted++
		}
	}
	return deleted, nil
}

func (c *Consumer) delete(ctx context.Context, handle *string) bool {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	})
	if err != nil {
		logger.Warn("delivery: delete sqs message", "component", "delivery", "error", err)
		return false
	}
	return true
}
