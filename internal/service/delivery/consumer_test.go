package delivery_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/bittucreator/unosend-sub001/internal/service/delivery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu       sync.Mutex
	messages []types.Message
	deleted  []string
	err      error
}

func (f *fakeQueue) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := &sqs.ReceiveMessageOutput{Messages: f.messages}
	f.messages = nil
	return out, nil
}

func (f *fakeQueue) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

// failingStore fails every lookup so messages stay on the queue.
type failingStore struct{ *memStore }

func (failingStore) FindEmailByMessageID(context.Context, string) (*domain.Email, error) {
	return nil, errors.New("connection refused")
}

func snsBody(t *testing.T, n *delivery.Notification) *string {
	t.Helper()
	msg, err := json.Marshal(n)
	require.NoError(t, err)
	env, err := json.Marshal(delivery.Envelope{Type: delivery.SNSNotification, MessageID: "sns-1", Message: string(msg)})
	require.NoError(t, err)
	return aws.String(string(env))
}

func TestConsumerHandlesAndDeletes(t *testing.T) {
	f := newFixture()
	q := &fakeQueue{messages: []types.Message{
		{Body: snsBody(t, bounce("Permanent", "General")), ReceiptHandle: aws.String("r-1")},
		{Body: aws.String("garbage"), ReceiptHandle: aws.String("r-2")},
	}}
	c := delivery.NewConsumer(q, "https://sqs.local/callbacks", f.ingestor)

	n, err := c.ReceiveOnce(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"r-1", "r-2"}, q.deleted)
	assert.False(t, f.contact.Subscribed)
}

func TestConsumerKeepsMessageOnStoreError(t *testing.T) {
	f := newFixture()
	ing := delivery.NewIngestor(failingStore{f.store}, f.stats, f.notifier)
	q := &fakeQueue{messages: []types.Message{
		{Body: snsBody(t, bounce("Permanent", "General")), ReceiptHandle: aws.String("r-1")},
	}}
	c := delivery.NewConsumer(q, "q", ing)

	n, err := c.ReceiveOnce(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, q.deleted)
}

func TestConsumerReceiveError(t *testing.T) {
	f := newFixture()
	q := &fakeQueue{err: errors.New("throttled")}
	c := delivery.NewConsumer(q, "q", f.ingestor)

	_, err := c.ReceiveOnce(context.Background(), 0)
	assert.Error(t, err)
}
