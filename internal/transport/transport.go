// Package transport describes the message bus the dispatcher consumes from.
package transport

import (
	"context"
	"errors"
	"strings"
)

var ErrClosed = errors.New("transport closed")

// Binding routes messages published to Exchange with a key matching
// RoutingKey into Queue, where Handler processes them.
type Binding struct {
	Queue      string `mapstructure:"queue" yaml:"queue"`
	Exchange   string `mapstructure:"exchange" yaml:"exchange"`
	RoutingKey string `mapstructure:"routing_key" yaml:"routing_key"`
	Handler    string `mapstructure:"handler" yaml:"handler"`
}

type Dialer interface {
	Dial(ctx context.Context) (Connection, error)
}

type Connection interface {
	Channel() (Channel, error)
	// NotifyClose returns a channel that receives the reason the
	// connection went away and is then closed.
	NotifyClose() <-chan error
	Close() error
}

// QueueOptions are the arguments of a queue declaration.
type QueueOptions struct {
	// DeadLetterExchange receives the messages rejected without requeue,
	// under their original routing key. Empty discards them.
	DeadLetterExchange string
}

// Channel declares topology and consumes from queues. Exchanges are durable
// topic exchanges, queues are durable and shared between consumers.
type Channel interface {
	Qos(prefetch int) error
	ExchangeDeclare(name string) error
	QueueDeclare(name string, opts QueueOptions) error
	QueueBind(queue, exchange, routingKey string) error
	Consume(queue, tag string) (<-chan Delivery, error)
	Cancel(tag string) error
	QueueDelete(name string) (int, error)
	ExchangeDelete(name string) error
	Close() error
}

type Acknowledger interface {
	Ack() error
	Reject(requeue bool) error
}

type Delivery struct {
	Exchange    string
	RoutingKey  string
	Body        []byte
	Redelivered bool
	Acknowledger
}

// MatchTopic reports whether a routing key matches a topic binding pattern.
// Words are separated by dots; "*" matches exactly one word and "#" matches
// zero or more.
func MatchTopic(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}

	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}
