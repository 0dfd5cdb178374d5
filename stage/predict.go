package stage

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.openblok.dev/framepipe/frame"
	"go.openblok.dev/framepipe/store"
	"go.openblok.dev/framepipe/transport"
)

// FieldPreprocessedShape is the metadata field into which Predict records
// the [height, width, channels] shape of the frame it evaluated.
const FieldPreprocessedShape = "preprocessed_shape"

// Predictor infers structured results from a frame. Results become metadata
// fields of the frame, and must not use field names of other stages.
type Predictor interface {
	Predict(ctx context.Context, f frame.Frame) (map[string]string, error)
}

// Predict is a Handler which evaluates a Predictor over each frame, attaches
// its results to the frame record, and then moves the record to the Target
// stage. Results are attached before the move, so they're visible to the
// first consumer of Target. Its Runner must Keep frames.
//
// A frame which the Predictor fails to evaluate is deleted: it's already
// been popped from its source queue and would otherwise never be delivered.
// A frame whose results can't be attached or which can't be moved is
// re-queued to its source stage, unless the failure would recur on every
// delivery, in which case it's deleted.
type Predict struct {
	Target    string
	Predictor Predictor
}

// Handle implements Handler.
func (p *Predict) Handle(ctx context.Context, tp Transport, d *transport.Delivery) error {
	var results, err = p.Predictor.Predict(ctx, d.Frame)
	if err != nil {
		if delErr := tp.DeleteFrame(ctx, d.Stage, d.ID); delErr != nil {
			log.WithFields(log.Fields{"stage": d.Stage, "id": d.ID, "err": delErr}).
				Warn("failed to delete unpredictable frame")
		}
		return errors.WithMessagef(err, "predicting %s frame %s", d.Stage, d.ID)
	}

	var md = make(map[string]string, len(results)+1)
	for k, v := range results {
		md[k] = v
	}
	md[FieldPreprocessedShape] = fmt.Sprintf("[%d, %d, %d]", d.Frame.Height, d.Frame.Width, d.Frame.Channels)

	if err = tp.AddMetadata(ctx, d.Stage, d.ID, md); err == nil {
		err = tp.MoveFrame(ctx, d.Stage, p.Target, d.ID)
	}
	if err != nil {
		release(ctx, tp, d, err)
	}
	return err
}

// release a kept frame which failed to be handled with |cause|.
func release(ctx context.Context, tp Transport, d *transport.Delivery, cause error) {
	var err error

	switch errors.Cause(cause) {
	case store.ErrNotFound:
		return
	case store.ErrRecordExists, store.ErrInvalidField:
		err = tp.DeleteFrame(ctx, d.Stage, d.ID)
	default:
		err = tp.MoveFrame(ctx, d.Stage, d.Stage, d.ID)
	}
	if err != nil && errors.Cause(err) != store.ErrNotFound {
		log.WithFields(log.Fields{"stage": d.Stage, "id": d.ID, "err": err}).
			Warn("failed to release frame")
	}
}

// PredictorFunc adapts a function to the Predictor interface.
type PredictorFunc func(ctx context.Context, f frame.Frame) (map[string]string, error)

// Predict implements Predictor.
func (fn PredictorFunc) Predict(ctx context.Context, f frame.Frame) (map[string]string, error) {
	return fn(ctx, f)
}
