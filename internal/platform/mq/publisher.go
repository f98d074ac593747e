// Package mq publishes ledger events to RabbitMQ.
package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fatflowers/resumecredits/pkg/config"
	"github.com/streadway/amqp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	RoutingKeyCreditsConsumed  = "credits.consumed"
	RoutingKeyCreditsRefreshed = "credits.refreshed"
)

// Publisher sends a JSON message to the configured exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, message any) error
}

// Channel is the part of *amqp.Channel the publisher needs.
type Channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type AMQPPublisher struct {
	mu       sync.Mutex
	ch       Channel
	exchange string
}

func NewAMQPPublisher(ch Channel, exchange string) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, exchange: exchange}
}

func (p *AMQPPublisher) Publish(_ context.Context, routingKey string, message any) error {
	const op = "mq.Publish"
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	// amqp channels are not safe for concurrent publishing
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.Publish(
		p.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
		},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Noop drops every message.
type Noop struct{}

func (Noop) Publish(context.Context, string, any) error { return nil }

// Connect dials the broker, retrying a few times while it comes up.
func Connect(url string, retries int, delay time.Duration) (*amqp.Connection, error) {
	const op = "mq.Connect"
	var conn *amqp.Connection
	var err error
	for range retries {
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		time.Sleep(delay)
	}
	return nil, fmt.Errorf("%s: %w", op, err)
}

// SetupChannel opens a channel and declares the durable direct exchange.
func SetupChannel(conn *amqp.Connection, exchange string) (*amqp.Channel, error) {
	const op = "mq.SetupChannel"
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ch, nil
}

// New returns an AMQP publisher when amqp.url is configured, otherwise Noop.
func New(lc fx.Lifecycle, cfg *config.Config, log *zap.SugaredLogger) (Publisher, error) {
	if cfg.AMQP.URL == "" {
		log.Infow("ledger event publishing disabled")
		return Noop{}, nil
	}
	conn, err := Connect(cfg.AMQP.URL, 3, time.Second)
	if err != nil {
		return nil, err
	}
	ch, err := SetupChannel(conn, cfg.AMQP.Exchange)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			log.Infow("closing amqp connection")
			_ = ch.Close()
			return conn.Close()
		},
	})
	log.Infow("ledger event publishing enabled", "exchange", cfg.AMQP.Exchange)
	return NewAMQPPublisher(ch, cfg.AMQP.Exchange), nil
}

var Module = fx.Options(
	fx.Provide(New),
)
