package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotDeclared  = errors.New("not declared")
	ErrDialRefused  = errors.New("dial refused")
	ErrConnReset    = errors.New("connection reset by broker")
	ErrUnknownTag   = errors.New("unknown delivery tag")
	ErrDuplicateTag = errors.New("consumer tag in use")
)

// ErrInequivalentArgs is returned when a queue is redeclared with other
// options.
var ErrInequivalentArgs = errors.New("inequivalent arguments")

// Message is a message held by a Broker.
type Message struct {
	Exchange    string
	RoutingKey  string
	Body        []byte
	Redelivered bool
}

// Broker is an in-process topic broker with at-least-once delivery: a
// message handed to a consumer stays unacknowledged until it is acked or
// rejected, and goes back to the head of its queue when the channel that
// received it closes. A message rejected without requeue is republished to
// the dead-letter exchange of its queue, or discarded if there is none.
type Broker struct {
	mu        sync.Mutex
	cond      *sync.Cond
	exchanges map[string]struct{}
	queues    map[string][]Message
	options   map[string]QueueOptions
	bindings  []Binding
	conns     map[*memConnection]struct{}
	discarded []Message
	failDials int
	nextTag   uint64
}

func NewBroker() *Broker {
	b := &Broker{
		exchanges: make(map[string]struct{}),
		queues:    make(map[string][]Message),
		options:   make(map[string]QueueOptions),
		conns:     make(map[*memConnection]struct{}),
	}
	b.cond = sync.NewCond(&b.mu)

	return b
}

func (b *Broker) Dial(ctx context.Context) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failDials > 0 {
		b.failDials--
		return nil, ErrDialRefused
	}

	conn := &memConnection{
		broker:   b,
		notify:   make(chan error, 1),
		channels: make(map[*memChannel]struct{}),
	}
	b.conns[conn] = struct{}{}

	return conn, nil
}

// FailDials makes the next n dials fail.
func (b *Broker) FailDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failDials = n
}

// Publish routes a message to every queue bound to the exchange with a
// matching key.
func (b *Broker) Publish(exchange, routingKey string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("exchange %q: %w", exchange, ErrNotDeclared)
	}

	b.routeLocked(Message{Exchange: exchange, RoutingKey: routingKey, Body: body})
	b.cond.Broadcast()

	return nil
}

// routeLocked appends msg to the queues bound to its exchange and returns
// how many received it.
func (b *Broker) routeLocked(msg Message) int {
	routed := make(map[string]bool)
	for _, binding := range b.bindings {
		if binding.Exchange != msg.Exchange || routed[binding.Queue] || !MatchTopic(binding.RoutingKey, msg.RoutingKey) {
			continue
		}

		routed[binding.Queue] = true
		b.queues[binding.Queue] = append(b.queues[binding.Queue], msg)
	}

	return len(routed)
}

func (b *Broker) deadLetterLocked(queue string, msg Message) {
	exchange := b.options[queue].DeadLetterExchange
	if _, ok := b.exchanges[exchange]; ok && exchange != "" {
		msg.Exchange = exchange
		msg.Redelivered = false
		if b.routeLocked(msg) > 0 {
			return
		}
	}

	b.discarded = append(b.discarded, msg)
}

// Drop closes every open connection as if the broker went away.
func (b *Broker) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for conn := range b.conns {
		conn.closeLocked(ErrConnReset)
	}
}

// Pending returns the number of ready messages of a queue.
func (b *Broker) Pending(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.queues[queue])
}

// Messages returns a copy of the ready messages of a queue.
func (b *Broker) Messages(queue string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Message(nil), b.queues[queue]...)
}

// Unacked returns the number of delivered but unsettled messages.
func (b *Broker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for conn := range b.conns {
		for ch := range conn.channels {
			n += len(ch.unacked)
		}
	}

	return n
}

// Discarded returns the messages rejected without requeue that no
// dead-letter exchange took.
func (b *Broker) Discarded() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Message(nil), b.discarded...)
}

// Queues returns the declared queue names.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}

	return names
}

func (b *Broker) requeueLocked(queue string, msg Message) {
	if _, ok := b.queues[queue]; !ok {
		return
	}

	msg.Redelivered = true
	b.queues[queue] = append([]Message{msg}, b.queues[queue]...)
}

type memConnection struct {
	broker   *Broker
	notify   chan error
	channels map[*memChannel]struct{}
	closed   bool
}

func (c *memConnection) Channel() (Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	ch := &memChannel{
		conn:      c,
		consumers: make(map[string]*memConsumer),
		unacked:   make(map[uint64]unacked),
	}
	c.channels[ch] = struct{}{}

	return ch, nil
}

func (c *memConnection) NotifyClose() <-chan error {
	return c.notify
}

func (c *memConnection) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.closeLocked(nil)

	return nil
}

func (c *memConnection) closeLocked(reason error) {
	if c.closed {
		return
	}
	c.closed = true

	for ch := range c.channels {
		ch.closeLocked()
	}
	delete(c.broker.conns, c)

	if reason != nil {
		c.notify <- reason
	}
	close(c.notify)
}

type unacked struct {
	queue string
	msg   Message
}

type memChannel struct {
	conn      *memConnection
	prefetch  int
	consumers map[string]*memConsumer
	unacked   map[uint64]unacked
	closed    bool
}

func (ch *memChannel) broker() *Broker {
	return ch.conn.broker
}

func (ch *memChannel) Qos(prefetch int) error {
	return ch.locked(func(b *Broker) error {
		ch.prefetch = prefetch
		return nil
	})
}

func (ch *memChannel) ExchangeDeclare(name string) error {
	return ch.locked(func(b *Broker) error {
		b.exchanges[name] = struct{}{}
		return nil
	})
}

func (ch *memChannel) QueueDeclare(name string, opts QueueOptions) error {
	return ch.locked(func(b *Broker) error {
		if _, ok := b.queues[name]; ok {
			if b.options[name] != opts {
				return fmt.Errorf("queue %q: %w", name, ErrInequivalentArgs)
			}
			return nil
		}

		b.queues[name] = nil
		b.options[name] = opts

		return nil
	})
}

func (ch *memChannel) QueueBind(queue, exchange, routingKey string) error {
	return ch.locked(func(b *Broker) error {
		if _, ok := b.queues[queue]; !ok {
			return fmt.Errorf("queue %q: %w", queue, ErrNotDeclared)
		}
		if _, ok := b.exchanges[exchange]; !ok {
			return fmt.Errorf("exchange %q: %w", exchange, ErrNotDeclared)
		}

		binding := Binding{Queue: queue, Exchange: exchange, RoutingKey: routingKey}
		for _, existing := range b.bindings {
			if existing == binding {
				return nil
			}
		}
		b.bindings = append(b.bindings, binding)

		return nil
	})
}

func (ch *memChannel) Consume(queue, tag string) (<-chan Delivery, error) {
	var consumer *memConsumer

	err := ch.locked(func(b *Broker) error {
		if _, ok := b.queues[queue]; !ok {
			return fmt.Errorf("queue %q: %w", queue, ErrNotDeclared)
		}
		if _, ok := ch.consumers[tag]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateTag, tag)
		}

		consumer = &memConsumer{
			channel: ch,
			queue:   queue,
			out:     make(chan Delivery),
			done:    make(chan struct{}),
		}
		ch.consumers[tag] = consumer

		return nil
	})
	if err != nil {
		return nil, err
	}

	go consumer.run()

	return consumer.out, nil
}

func (ch *memChannel) Cancel(tag string) error {
	return ch.locked(func(b *Broker) error {
		consumer, ok := ch.consumers[tag]
		if !ok {
			return fmt.Errorf("consumer %q: %w", tag, ErrNotDeclared)
		}

		consumer.stopLocked()
		delete(ch.consumers, tag)

		return nil
	})
}

func (ch *memChannel) QueueDelete(name string) (int, error) {
	var purged int

	err := ch.locked(func(b *Broker) error {
		messages, ok := b.queues[name]
		if !ok {
			return fmt.Errorf("queue %q: %w", name, ErrNotDeclared)
		}

		purged = len(messages)
		delete(b.queues, name)
		delete(b.options, name)

		bindings := b.bindings[:0]
		for _, binding := range b.bindings {
			if binding.Queue != name {
				bindings = append(bindings, binding)
			}
		}
		b.bindings = bindings

		return nil
	})

	return purged, err
}

func (ch *memChannel) ExchangeDelete(name string) error {
	return ch.locked(func(b *Broker) error {
		if _, ok := b.exchanges[name]; !ok {
			return fmt.Errorf("exchange %q: %w", name, ErrNotDeclared)
		}

		delete(b.exchanges, name)

		bindings := b.bindings[:0]
		for _, binding := range b.bindings {
			if binding.Exchange != name {
				bindings = append(bindings, binding)
			}
		}
		b.bindings = bindings

		return nil
	})
}

func (ch *memChannel) Close() error {
	b := ch.broker()

	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return ErrClosed
	}
	ch.closeLocked()
	delete(ch.conn.channels, ch)

	return nil
}

func (ch *memChannel) closeLocked() {
	if ch.closed {
		return
	}
	ch.closed = true

	for tag, consumer := range ch.consumers {
		consumer.stopLocked()
		delete(ch.consumers, tag)
	}

	for tag, pending := range ch.unacked {
		ch.broker().requeueLocked(pending.queue, pending.msg)
		delete(ch.unacked, tag)
	}
	ch.broker().cond.Broadcast()
}

func (ch *memChannel) locked(fn func(b *Broker) error) error {
	b := ch.broker()

	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return ErrClosed
	}

	return fn(b)
}

func (ch *memChannel) settle(tag uint64, fn func(b *Broker, pending unacked)) error {
	return ch.locked(func(b *Broker) error {
		pending, ok := ch.unacked[tag]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownTag, tag)
		}

		delete(ch.unacked, tag)
		fn(b, pending)
		b.cond.Broadcast()

		return nil
	})
}

type memConsumer struct {
	channel *memChannel
	queue   string
	out     chan Delivery
	done    chan struct{}
	stopped bool
}

func (c *memConsumer) stopLocked() {
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.done)
	c.channel.broker().cond.Broadcast()
}

func (c *memConsumer) run() {
	defer close(c.out)

	b := c.channel.broker()

	for {
		b.mu.Lock()
		for !c.stopped && !c.readyLocked() {
			if _, ok := b.queues[c.queue]; !ok {
				c.stopLocked()
				break
			}
			b.cond.Wait()
		}
		if c.stopped {
			b.mu.Unlock()
			return
		}

		msg := b.queues[c.queue][0]
		b.queues[c.queue] = b.queues[c.queue][1:]
		b.nextTag++
		tag := b.nextTag
		c.channel.unacked[tag] = unacked{queue: c.queue, msg: msg}
		b.mu.Unlock()

		delivery := Delivery{
			Exchange:     msg.Exchange,
			RoutingKey:   msg.RoutingKey,
			Body:         msg.Body,
			Redelivered:  msg.Redelivered,
			Acknowledger: &memAcknowledger{channel: c.channel, tag: tag},
		}

		select {
		case c.out <- delivery:
		case <-c.done:
			b.mu.Lock()
			if pending, ok := c.channel.unacked[tag]; ok {
				delete(c.channel.unacked, tag)
				if messages, ok := b.queues[pending.queue]; ok {
					b.queues[pending.queue] = append([]Message{pending.msg}, messages...)
				}
				b.cond.Broadcast()
			}
			b.mu.Unlock()
			return
		}
	}
}

func (c *memConsumer) readyLocked() bool {
	b := c.channel.broker()
	if len(b.queues[c.queue]) == 0 {
		return false
	}

	return c.channel.prefetch == 0 || len(c.channel.unacked) < c.channel.prefetch
}

type memAcknowledger struct {
	channel *memChannel
	tag     uint64
}

func (a *memAcknowledger) Ack() error {
	return a.channel.settle(a.tag, func(*Broker, unacked) {})
}

func (a *memAcknowledger) Reject(requeue bool) error {
	return a.channel.settle(a.tag, func(b *Broker, pending unacked) {
		if requeue {
			b.requeueLocked(pending.queue, pending.msg)
			return
		}
		b.deadLetterLocked(pending.queue, pending.msg)
	})
}
