package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	sent []published
	err  error
}

func (f *fakeChannel) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func TestPublish(t *testing.T) {
	ch := &fakeChannel{}
	p := NewAMQPPublisher(ch, "ledger")

	msg := map[string]any{"userId": "u1", "amount": 2}
	require.NoError(t, p.Publish(context.Background(), RoutingKeyCreditsConsumed, msg))

	require.Len(t, ch.sent, 1)
	assert.Equal(t, "ledger", ch.sent[0].exchange)
	assert.Equal(t, RoutingKeyCreditsConsumed, ch.sent[0].key)
	assert.Equal(t, "application/json", ch.sent[0].msg.ContentType)
	assert.Equal(t, amqp.Persistent, ch.sent[0].msg.DeliveryMode)

	var got map[string]any
	require.NoError(t, json.Unmarshal(ch.sent[0].msg.Body, &got))
	assert.Equal(t, "u1", got["userId"])
}

func TestPublish_MarshalError(t *testing.T) {
	p := NewAMQPPublisher(&fakeChannel{}, "ledger")
	err := p.Publish(context.Background(), "k", struct{ Ch chan int }{Ch: make(chan int)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mq.Publish")
}

func TestPublish_ChannelError(t *testing.T) {
	p := NewAMQPPublisher(&fakeChannel{err: errors.New("closed")}, "ledger")
	err := p.Publish(context.Background(), "k", 1)
	require.Error(t, err)
}

func TestNoop(t *testing.T) {
	assert.NoError(t, Noop{}.Publish(context.Background(), "k", 1))
}
