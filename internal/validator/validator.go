// Package validator checks decoded messages and the configured bindings
// before they reach the reconciler.
package validator

import (
	"errors"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/hogwarts-cloud/hogd/internal/models"
	"github.com/hogwarts-cloud/hogd/internal/parser"
	"github.com/hogwarts-cloud/hogd/internal/transport"
)

var (
	ErrUnknownHandler  = errors.New("unknown handler")
	ErrUnknownQueue    = errors.New("queue not declared")
	ErrUnknownExchange = errors.New("exchange not declared")
)

// ValidateMessage rejects job notifications with missing or impossible
// fields. Opcodes are left to the state machine tables.
func ValidateMessage(msg models.Message) error {
	if err := validateMessage(msg); err != nil {
		return fmt.Errorf("%w: %w", parser.ErrMalformedMessage, err)
	}

	return nil
}

func validateMessage(msg models.Message) error {
	if msg.EntityID == 0 {
		return errors.New("missing entity id")
	}

	if msg.Opcode == "" {
		return errors.New("missing operation")
	}

	if !msg.Status.Valid() {
		return fmt.Errorf("invalid job status %q", msg.Status)
	}

	if msg.Timestamp.IsZero() {
		return errors.New("missing event time")
	}

	if msg.Kind == models.KindBackendNetwork && msg.Backend == "" {
		return errors.New("missing cluster")
	}

	return nil
}

func ValidateProgress(msg models.ProgressMessage) error {
	if msg.EntityID == 0 {
		return fmt.Errorf("%w: missing entity id", parser.ErrMalformedMessage)
	}

	if msg.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing event time", parser.ErrMalformedMessage)
	}

	return nil
}

// ValidateBindings returns the bindings that refer to declared queues and
// exchanges and to a known handler, together with the errors of the ones
// that do not.
func ValidateBindings(bindings []transport.Binding, queues, exchanges []string, known func(handler string) bool) ([]transport.Binding, error) {
	valid := make([]transport.Binding, 0, len(bindings))

	var errs error
	for _, binding := range bindings {
		var err error

		if !lo.Contains(queues, binding.Queue) {
			err = multierr.Append(err, fmt.Errorf("%w: %q", ErrUnknownQueue, binding.Queue))
		}

		if !lo.Contains(exchanges, binding.Exchange) {
			err = multierr.Append(err, fmt.Errorf("%w: %q", ErrUnknownExchange, binding.Exchange))
		}

		if !known(binding.Handler) {
			err = multierr.Append(err, fmt.Errorf("%w: %q", ErrUnknownHandler, binding.Handler))
		}

		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("binding %s(%s) to %s: %w", binding.Exchange, binding.RoutingKey, binding.Queue, err))
			continue
		}

		valid = append(valid, binding)
	}

	return valid, errs
}
