// Package stage runs pipeline stage workers over a frame transport.
//
// A Runner repeatedly gets frames of a source stage and passes each to a
// Handler, which advances the frame to a following stage. Each frame is an
// independent unit of work: a frame which can't be read or handled is
// logged and skipped, and the Runner continues with the next one.
package stage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.openblok.dev/framepipe/frame"
	"go.openblok.dev/framepipe/metrics"
	"go.openblok.dev/framepipe/store"
	"go.openblok.dev/framepipe/transport"
)

// DefaultBackoff is the default delay of a Runner after a store failure.
const DefaultBackoff = time.Second

// Transport is the frame transport used by stage workers.
// It's implemented by *transport.Engine.
type Transport interface {
	AddFrame(ctx context.Context, stage string, f frame.Frame, metadata map[string]string) (string, error)
	GetFrame(ctx context.Context, req transport.GetRequest) (*transport.Delivery, error)
	AddMetadata(ctx context.Context, stage, id string, metadata map[string]string) error
	MoveFrame(ctx context.Context, stage, newStage, id string) error
	DeleteFrame(ctx context.Context, stage, id string) error
}

// Handler processes a single frame obtained from a source stage.
type Handler interface {
	Handle(ctx context.Context, t Transport, d *transport.Delivery) error
}

// Runner is a worker loop of a pipeline stage.
type Runner struct {
	// Name of the stage, used in logs and metrics.
	Name      string
	Transport Transport
	// Source stage from which frames are read.
	Source string
	// Keep frames within the Source stage as they're read. Handlers which
	// move frames onward, rather than adding new ones, require Keep.
	Keep    bool
	Handler Handler
	// Backoff is the delay after a failure to read from the store.
	// If zero, DefaultBackoff is used.
	Backoff time.Duration
}

// Serve frames to the Handler until |ctx| is cancelled, at which point Serve
// returns nil. An empty Source queue is retried indefinitely. Serve returns
// an error only if the Source stage is invalid.
func (r *Runner) Serve(ctx context.Context) error {
	var backoff = r.Backoff
	if backoff == 0 {
		backoff = DefaultBackoff
	}
	var fields = log.Fields{"stage": r.Name, "source": r.Source}
	log.WithFields(fields).Info("serving stage")

	for {
		var d, err = r.Transport.GetFrame(ctx, transport.GetRequest{Stage: r.Source, Keep: r.Keep})

		if ctx.Err() != nil {
			return nil
		}
		switch cause := errors.Cause(err); cause {
		case nil:
		case store.ErrQueueEmpty:
			continue
		case store.ErrInvalidStage:
			return err
		case store.ErrNotFound, frame.ErrDecoding, frame.ErrCorruptRecord:
			metrics.StageUnitsTotal.WithLabelValues(r.Name, metrics.Fail).Inc()
			log.WithFields(fields).WithField("err", err).Warn("skipping unreadable frame")
			continue
		default:
			metrics.StageUnitsTotal.WithLabelValues(r.Name, metrics.Fail).Inc()
			log.WithFields(fields).WithField("err", err).Error("failed to get frame (will retry)")

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}

		if err = r.Handler.Handle(ctx, r.Transport, d); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.StageUnitsTotal.WithLabelValues(r.Name, metrics.Fail).Inc()
			log.WithFields(fields).WithFields(log.Fields{"id": d.ID, "err": err}).
				Warn("failed to handle frame")
			continue
		}
		metrics.StageUnitsTotal.WithLabelValues(r.Name, metrics.Ok).Inc()
		log.WithFields(fields).WithField("id", d.ID).Debug("handled frame")
	}
}
