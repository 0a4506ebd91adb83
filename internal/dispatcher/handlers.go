package dispatcher

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/hogwarts-cloud/hogd/internal/models"
	"github.com/hogwarts-cloud/hogd/internal/parser"
	"github.com/hogwarts-cloud/hogd/internal/reconciler"
	"github.com/hogwarts-cloud/hogd/internal/validator"
)

const (
	HandlerUpdateDB            = "update_db"
	HandlerUpdateNetwork       = "update_network"
	HandlerUpdateBuildProgress = "update_build_progress"
	HandlerDummy               = "dummy_proc"
)

// Handler processes the body of one delivery.
type Handler func(ctx context.Context, body []byte) error

type Reconciler interface {
	Apply(ctx context.Context, msg models.Message) (reconciler.Outcome, error)
	ApplyProgress(ctx context.Context, msg models.ProgressMessage) (reconciler.Outcome, error)
}

// Handlers returns the handler registry bindings refer to by name.
func Handlers(r Reconciler, p *parser.Parser, logger *zap.Logger) map[string]Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	status := func(parse func([]byte) (models.Message, error)) Handler {
		return func(ctx context.Context, body []byte) error {
			msg, err := parse(body)
			if err != nil {
				return err
			}

			if err := validator.ValidateMessage(msg); err != nil {
				return err
			}

			_, err = r.Apply(ctx, msg)
			return err
		}
	}

	return map[string]Handler{
		HandlerUpdateDB:      status(p.ParseOpStatus),
		HandlerUpdateNetwork: status(p.ParseNetworkStatus),
		HandlerUpdateBuildProgress: func(ctx context.Context, body []byte) error {
			msg, err := p.ParseProgress(body)
			if err != nil {
				return err
			}

			if err := validator.ValidateProgress(msg); err != nil {
				return err
			}

			_, err = r.ApplyProgress(ctx, msg)
			return err
		},
		HandlerDummy: func(ctx context.Context, body []byte) error {
			logger.Info("debug message", zap.ByteString("body", body))
			return nil
		},
	}
}

type verdict int

const (
	ack verdict = iota
	reject
	requeue
)

func (v verdict) String() string {
	switch v {
	case ack:
		return "ack"
	case reject:
		return "reject"
	default:
		return "requeue"
	}
}

// settle decides what happens to a delivery once its handler returned.
// Unknown entities are expected under eventual consistency. Invariant
// violations and undecodable bodies would fail again on redelivery.
func settle(err error) verdict {
	switch {
	case err == nil, errors.Is(err, reconciler.ErrUnknownEntity):
		return ack
	case errors.Is(err, reconciler.ErrInvariant), errors.Is(err, parser.ErrMalformedMessage):
		return reject
	default:
		return requeue
	}
}
