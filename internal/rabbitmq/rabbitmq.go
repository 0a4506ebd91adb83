// Package rabbitmq implements the transport over AMQP 0-9-1.
package rabbitmq

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hogwarts-cloud/hogd/internal/transport"
)

const (
	ExchangeKind = "topic"
	// DeadLetterExchangeArg names the exchange rejected messages are
	// republished to.
	DeadLetterExchangeArg = "x-dead-letter-exchange"

	DefaultHeartbeat   = 10 * time.Second
	DefaultDialTimeout = 30 * time.Second
)

type Config struct {
	URL       string
	Vhost     string
	Heartbeat time.Duration
}

type Dialer struct {
	config Config
}

func NewDialer(config Config) *Dialer {
	if config.Heartbeat == 0 {
		config.Heartbeat = DefaultHeartbeat
	}

	return &Dialer{config: config}
}

func (d *Dialer) Dial(ctx context.Context) (transport.Connection, error) {
	conn, err := amqp.DialConfig(d.config.URL, amqp.Config{
		Vhost:     d.config.Vhost,
		Heartbeat: d.config.Heartbeat,
		Dial: func(network, addr string) (net.Conn, error) {
			dialer := net.Dialer{Timeout: DefaultDialTimeout}
			return dialer.DialContext(ctx, network, addr)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker: %w", err)
	}

	notify := make(chan error, 1)
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	go func() {
		defer close(notify)
		if err, ok := <-closed; ok && err != nil {
			notify <- err
		}
	}()

	return &connection{conn: conn, notify: notify}, nil
}

type connection struct {
	conn   *amqp.Connection
	notify chan error
}

func (c *connection) Channel() (transport.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	return &channel{ch: ch, closed: make(chan struct{})}, nil
}

func (c *connection) NotifyClose() <-chan error {
	return c.notify
}

func (c *connection) Close() error {
	return c.conn.Close()
}

type channel struct {
	ch        *amqp.Channel
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *channel) Qos(prefetch int) error {
	return c.ch.Qos(prefetch, 0, false)
}

func (c *channel) ExchangeDeclare(name string) error {
	return c.ch.ExchangeDeclare(name, ExchangeKind, true, false, false, false, nil)
}

func (c *channel) QueueDeclare(name string, opts transport.QueueOptions) error {
	_, err := c.ch.QueueDeclare(name, true, false, false, false, queueArgs(opts))
	return err
}

func queueArgs(opts transport.QueueOptions) amqp.Table {
	if opts.DeadLetterExchange == "" {
		return nil
	}

	return amqp.Table{DeadLetterExchangeArg: opts.DeadLetterExchange}
}

func (c *channel) QueueBind(queue, exchange, routingKey string) error {
	return c.ch.QueueBind(queue, routingKey, exchange, false, nil)
}

func (c *channel) Consume(queue, tag string) (<-chan transport.Delivery, error) {
	deliveries, err := c.ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan transport.Delivery)

	go func() {
		defer close(out)
		for d := range deliveries {
			delivery := transport.Delivery{
				Exchange:     d.Exchange,
				RoutingKey:   d.RoutingKey,
				Body:         d.Body,
				Redelivered:  d.Redelivered,
				Acknowledger: acknowledger{delivery: d},
			}

			select {
			case out <- delivery:
			case <-c.closed:
				return
			}
		}
	}()

	return out, nil
}

func (c *channel) Cancel(tag string) error {
	return c.ch.Cancel(tag, false)
}

func (c *channel) QueueDelete(name string) (int, error) {
	return c.ch.QueueDelete(name, false, false, false)
}

func (c *channel) ExchangeDelete(name string) error {
	return c.ch.ExchangeDelete(name, false, false)
}

func (c *channel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.ch.Close()
}

type acknowledger struct {
	delivery amqp.Delivery
}

func (a acknowledger) Ack() error {
	return a.delivery.Ack(false)
}

func (a acknowledger) Reject(requeue bool) error {
	return a.delivery.Reject(requeue)
}
