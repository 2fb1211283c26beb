// Package notify hands email lifecycle events to the customer webhook
// fan-out. Emit never blocks the caller on the network and never fails.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/bittucreator/unosend-sub001/internal/pkg/logger"
	"github.com/google/uuid"
)

// Notifier publishes an event for an organization's webhook endpoints.
type Notifier interface {
	Emit(ctx context.Context, orgID, eventType, emailID string, extra map[string]any)
}

// Envelope is the JSON body handed to the fan-out service.
type Envelope struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	OrganizationID string         `json:"organization_id"`
	EmailID        string         `json:"email_id"`
	Data           map[string]any `json:"data,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

func newEnvelope(orgID, eventType, emailID string, extra map[string]any) Envelope {
	return Envelope{
		ID:             uuid.NewString(),
		Type:           eventType,
		OrganizationID: orgID,
		EmailID:        emailID,
		Data:           extra,
		CreatedAt:      time.Now().UTC(),
	}
}

type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSNotifier publishes envelopes to the fan-out queue from a background
// goroutine.
type SQSNotifier struct {
	client   sqsAPI
	queueURL string
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewSQSNotifier returns a notifier that publishes to queueURL.
func NewSQSNotifier(client sqsAPI, queueURL string) *SQSNotifier {
	return &SQSNotifier{client: client, queueURL: queueURL, timeout: 5 * time.Second}
}

// Emit marshals the event and sends it asynchronously. The request context
// is not used for the send so a finished request cannot cancel it.
func (n *SQSNotifier) Emit(_ context.Context, orgID, eventType, emailID string, extra map[string]any) {
	env := newEnvelope(orgID, eventType, emailID, extra)
	body, err := json.Marshal(env)
	if err != nil {
		logger.Error("notify: marshal event", "type", eventType, "error", err)
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		_, err := n.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(n.queueURL),
			MessageBody: aws.String(string(body)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"event_type": {DataType: aws.String("String"), StringValue: aws.String(eventType)},
			},
		})
		if err != nil {
			logger.Error("notify: publish event", "type", eventType, "email_id", emailID, "error", err)
		}
	}()
}

// Wait blocks until in-flight publishes finish. Called on shutdown.
func (n *SQSNotifier) Wait() {
	n.wg.Wait()
}

// LogNotifier writes events to the log. Used when no queue is configured.
type LogNotifier struct{}

func (LogNotifier) Emit(_ context.Context, orgID, eventType, emailID string, extra map[string]any) {
	logger.Info("notify: event", "type", eventType, "org_id", orgID, "email_id", emailID, "fields", len(extra))
}

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func (r *Recorder) Emit(_ context.Context, orgID, eventType, emailID string, extra map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, newEnvelope(orgID, eventType, emailID, extra))
}

// Events returns a copy of everything emitted so far.
func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.events...)
}

// Count returns how many events of eventType were emitted.
func (r *Recorder) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}
