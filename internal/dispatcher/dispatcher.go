// Package dispatcher consumes job notifications from the message bus and
// hands them to the reconciler.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hogwarts-cloud/hogd/internal/statemachine"
	"github.com/hogwarts-cloud/hogd/internal/transport"
	"github.com/hogwarts-cloud/hogd/internal/validator"
)

const (
	DefaultWorkers         = 2
	DefaultPrefetch        = 1
	DefaultRequeueDelay    = time.Second
	DefaultInitialInterval = time.Second
	DefaultMaxInterval     = 30 * time.Second
)

var ErrNoBindings = errors.New("no usable bindings")

// DeadLetterConfig names the exchange rejected messages are republished to
// and the queue that keeps them for inspection. Nothing consumes Queue.
type DeadLetterConfig struct {
	Exchange string
	Queue    string
}

type ReconnectConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Config struct {
	Dialer    transport.Dialer
	Exchanges []string
	Queues    []string
	Bindings  []transport.Binding
	// Debug runs a single worker that also consumes DebugQueue.
	Debug         bool
	DebugQueue    string
	DebugBindings []transport.Binding
	DeadLetter    DeadLetterConfig
	Workers       int
	Prefetch      int
	Reconnect     ReconnectConfig
	RequeueDelay  time.Duration
	Handlers      map[string]Handler
	// Preflight runs before any worker connects; an error aborts Run.
	// Defaults to statemachine.Validate.
	Preflight func() error
	Metrics   *Metrics
	Logger    *zap.Logger
	Clock     clock.Clock
}

type Dispatcher struct {
	config    Config
	logger    *zap.Logger
	clock     clock.Clock
	metrics   *Metrics
	connected atomic.Int32
	handled   atomic.Uint64
}

func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}

	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}

	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultPrefetch
	}

	if cfg.Reconnect.InitialInterval <= 0 {
		cfg.Reconnect.InitialInterval = DefaultInitialInterval
	}

	if cfg.Reconnect.MaxInterval <= 0 {
		cfg.Reconnect.MaxInterval = DefaultMaxInterval
	}

	if cfg.Preflight == nil {
		cfg.Preflight = statemachine.Validate
	}

	return &Dispatcher{
		config:  cfg,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
	}
}

// Connected returns the number of workers currently consuming.
func (d *Dispatcher) Connected() int32 {
	return d.connected.Load()
}

// Handled returns the number of deliveries settled since start.
func (d *Dispatcher) Handled() uint64 {
	return d.handled.Load()
}

// Run starts the workers and blocks until ctx is done. Workers stop taking
// new deliveries on cancellation, finish the one in hand and disconnect.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.config.Preflight(); err != nil {
		return fmt.Errorf("preflight check failed: %w", err)
	}

	queues, bindings := d.topology()

	bindings, err := validator.ValidateBindings(bindings, queues, d.config.Exchanges, func(name string) bool {
		_, ok := d.config.Handlers[name]
		return ok
	})
	for _, err := range multierr.Errors(err) {
		d.logger.Error("skipping binding", zap.Error(err))
	}

	if len(bindings) == 0 {
		return ErrNoBindings
	}

	workers := d.config.Workers
	if d.config.Debug {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)

	for i := range workers {
		w := &worker{
			dispatcher: d,
			queues:     queues,
			bindings:   bindings,
			logger:     d.logger.With(zap.Int("worker", i)),
		}
		g.Go(func() error {
			return w.run(ctx)
		})
	}

	d.logger.Info("dispatcher started", zap.Int("workers", workers), zap.Int("bindings", len(bindings)))

	return g.Wait()
}

func (d *Dispatcher) topology() ([]string, []transport.Binding) {
	queues := append([]string(nil), d.config.Queues...)
	bindings := append([]transport.Binding(nil), d.config.Bindings...)

	if d.config.Debug {
		queues = append(queues, d.config.DebugQueue)
		bindings = append(bindings, d.config.DebugBindings...)
	}

	return queues, bindings
}

type worker struct {
	dispatcher *Dispatcher
	queues     []string
	bindings   []transport.Binding
	logger     *zap.Logger
}

func (w *worker) run(ctx context.Context) error {
	for {
		s, err := w.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		w.dispatcher.connected.Inc()
		w.dispatcher.metrics.connected.Inc()

		err = w.consume(ctx, s)

		w.dispatcher.connected.Dec()
		w.dispatcher.metrics.connected.Dec()
		s.close()

		if ctx.Err() != nil {
			w.logger.Info("worker stopped")
			return nil
		}

		w.logger.Error("server went away, reconnecting", zap.Error(err))
		w.dispatcher.metrics.reconnects.Inc()
	}
}

func (w *worker) connect(ctx context.Context) (*session, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.dispatcher.config.Reconnect.InitialInterval
	policy.MaxInterval = w.dispatcher.config.Reconnect.MaxInterval

	return backoff.Retry(ctx, func() (*session, error) {
		return w.open(ctx)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.logger.Warn("failed to connect", zap.Error(err), zap.Duration("retry_in", next))
		}),
	)
}

// open dials the broker, declares the topology and starts consuming every
// bound queue.
func (w *worker) open(ctx context.Context) (*session, error) {
	conn, err := w.dispatcher.config.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	s := newSession(conn, ch)

	if err := w.declare(ch); err != nil {
		s.close()
		return nil, err
	}

	consumed := make(map[string]bool)
	for _, binding := range w.bindings {
		if consumed[binding.Queue] {
			continue
		}
		consumed[binding.Queue] = true

		deliveries, err := ch.Consume(binding.Queue, "hogd-"+uuid.NewString())
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to consume %q: %w", binding.Queue, err)
		}
		s.forward(binding.Queue, deliveries)
	}
	s.seal()

	w.logger.Info("connected", zap.Int("queues", len(consumed)))

	return s, nil
}

func (w *worker) declare(ch transport.Channel) error {
	if err := ch.Qos(w.dispatcher.config.Prefetch); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	for _, exchange := range w.dispatcher.config.Exchanges {
		if err := ch.ExchangeDeclare(exchange); err != nil {
			return fmt.Errorf("failed to declare exchange %q: %w", exchange, err)
		}
	}

	dl := w.dispatcher.config.DeadLetter
	if dl.Exchange != "" {
		if err := ch.ExchangeDeclare(dl.Exchange); err != nil {
			return fmt.Errorf("failed to declare dead-letter exchange %q: %w", dl.Exchange, err)
		}

		if dl.Queue != "" {
			if err := ch.QueueDeclare(dl.Queue, transport.QueueOptions{}); err != nil {
				return fmt.Errorf("failed to declare dead-letter queue %q: %w", dl.Queue, err)
			}
			if err := ch.QueueBind(dl.Queue, dl.Exchange, "#"); err != nil {
				return fmt.Errorf("failed to bind dead-letter queue %q: %w", dl.Queue, err)
			}
		}
	}

	opts := transport.QueueOptions{DeadLetterExchange: dl.Exchange}
	for _, queue := range w.queues {
		if err := ch.QueueDeclare(queue, opts); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", queue, err)
		}
	}

	for _, binding := range w.bindings {
		if err := ch.QueueBind(binding.Queue, binding.Exchange, binding.RoutingKey); err != nil {
			return fmt.Errorf("failed to bind queue %q: %w", binding.Queue, err)
		}

		w.logger.Debug("bound queue",
			zap.String("exchange", binding.Exchange),
			zap.String("routing_key", binding.RoutingKey),
			zap.String("queue", binding.Queue),
			zap.String("handler", binding.Handler),
		)
	}

	return nil
}

func (w *worker) consume(ctx context.Context, s *session) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-s.conn.NotifyClose():
			if !ok || err == nil {
				err = transport.ErrClosed
			}
			return err
		case in, ok := <-s.deliveries:
			if !ok {
				return transport.ErrClosed
			}
			w.handle(ctx, in)
		}
	}
}

func (w *worker) handle(ctx context.Context, in incoming) {
	d := in.delivery
	logger := w.logger.With(
		zap.String("queue", in.queue),
		zap.String("routing_key", d.RoutingKey),
		zap.Bool("redelivered", d.Redelivered),
	)

	binding, ok := w.route(in.queue, d)
	if !ok {
		logger.Error("no binding for delivery")
		w.settle(logger, d, "", reject)
		return
	}

	handler := w.dispatcher.config.Handlers[binding.Handler]
	logger = logger.With(zap.String("handler", binding.Handler))

	start := w.dispatcher.clock.Now()
	// The handler owns a transaction; shutdown must not abort it halfway.
	err := handler(context.WithoutCancel(ctx), d.Body)
	w.dispatcher.metrics.duration.WithLabelValues(binding.Handler).Observe(w.dispatcher.clock.Since(start).Seconds())

	v := settle(err)
	switch v {
	case ack:
		if err != nil {
			logger.Debug("dropping message", zap.Error(err))
		}
	case reject:
		logger.Error("rejecting message", zap.Error(err), zap.ByteString("body", d.Body))
	case requeue:
		logger.Warn("failed to handle message, requeueing", zap.Error(err))
		w.wait(ctx, w.dispatcher.config.RequeueDelay)
	}

	w.settle(logger, d, binding.Handler, v)
}

func (w *worker) route(queue string, d transport.Delivery) (transport.Binding, bool) {
	for _, binding := range w.bindings {
		if binding.Queue == queue && binding.Exchange == d.Exchange && transport.MatchTopic(binding.RoutingKey, d.RoutingKey) {
			return binding, true
		}
	}

	return transport.Binding{}, false
}

func (w *worker) settle(logger *zap.Logger, d transport.Delivery, handler string, v verdict) {
	var err error

	switch v {
	case ack:
		err = d.Ack()
	case reject:
		err = d.Reject(false)
	case requeue:
		err = d.Reject(true)
	}

	if err != nil {
		// the broker redelivers it once the channel is gone
		logger.Warn("failed to settle message", zap.Stringer("verdict", v), zap.Error(err))
		return
	}

	w.dispatcher.metrics.messages.WithLabelValues(handler, v.String()).Inc()
	w.dispatcher.handled.Inc()
}

func (w *worker) wait(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}

	timer := w.dispatcher.clock.Timer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

type incoming struct {
	queue    string
	delivery transport.Delivery
}

// session is one connection with its channel. Deliveries of every consumed
// queue are funneled into a single stream so a worker handles one at a
// time.
type session struct {
	conn       transport.Connection
	ch         transport.Channel
	deliveries chan incoming
	done       chan struct{}
	wg         sync.WaitGroup
	once       sync.Once
}

func newSession(conn transport.Connection, ch transport.Channel) *session {
	return &session{
		conn:       conn,
		ch:         ch,
		deliveries: make(chan incoming),
		done:       make(chan struct{}),
	}
}

func (s *session) forward(queue string, deliveries <-chan transport.Delivery) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for d := range deliveries {
			select {
			case s.deliveries <- incoming{queue: queue, delivery: d}:
			case <-s.done:
				return
			}
		}
	}()
}

// seal closes the delivery stream once every consumer is gone.
func (s *session) seal() {
	go func() {
		s.wg.Wait()
		close(s.deliveries)
	}()
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.ch.Close()
		s.conn.Close()
		s.wg.Wait()
	})
}
