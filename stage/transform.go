package stage

import (
	"context"
	"image"
	"math"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.openblok.dev/framepipe/diskcache"
	"go.openblok.dev/framepipe/frame"
	"go.openblok.dev/framepipe/transport"
)

// TransformFunc is a pure transformation of a Frame.
type TransformFunc func(frame.Frame) (frame.Frame, error)

// Transform is a Handler which applies a TransformFunc to each frame, and
// adds the result as a new frame of the Target stage. The new frame carries
// the metadata of its source, so its lineage remains discoverable through
// the ID fields added by each stage.
type Transform struct {
	Target string
	Fn     TransformFunc
	// Mirror, if non-nil, receives a copy of each transformed frame.
	Mirror *diskcache.Cache
}

// Handle implements Handler.
func (t *Transform) Handle(ctx context.Context, tp Transport, d *transport.Delivery) error {
	var out, err = t.Fn(d.Frame)
	if err != nil {
		return errors.WithMessagef(err, "transforming %s frame %s", d.Stage, d.ID)
	}

	var md = make(map[string]string, len(d.Metadata))
	for k, v := range d.Metadata {
		if k != transport.FieldAddFrameTime && k != transport.FieldGetFrameTime {
			md[k] = v
		}
	}
	id, err := tp.AddFrame(ctx, t.Target, out, md)
	if err != nil {
		return err
	}

	if t.Mirror != nil {
		// Mirror failures are logged by the cache, and never fail the frame.
		_ = t.Mirror.AddImage(out, t.Target+"-"+id)
	}
	return nil
}

// Rotate returns a TransformFunc which rotates frames by |angle| degrees
// counter-clockwise about the point (|cx|, |cy|). Output frames have the
// dimensions of their input. Each output pixel takes the value of the
// nearest input pixel, and pixels which map outside the input are zero.
func Rotate(cx, cy, angle float64) TransformFunc {
	var rad = angle * math.Pi / 180
	var cos, sin = math.Cos(rad), math.Sin(rad)

	return func(in frame.Frame) (frame.Frame, error) {
		if err := in.Validate(); err != nil {
			return frame.Frame{}, err
		}
		var out = frame.New(in.Height, in.Width)

		for y := 0; y != out.Height; y++ {
			for x := 0; x != out.Width; x++ {
				var dx, dy = float64(x) - cx, float64(y) - cy
				var sx = int(math.Round(cx + cos*dx - sin*dy))
				var sy = int(math.Round(cy + sin*dx + cos*dy))

				if sx < 0 || sy < 0 || sx >= in.Width || sy >= in.Height {
					continue
				}
				var o, s = out.Offset(y, x), in.Offset(sy, sx)
				copy(out.Pix[o:o+frame.Channels], in.Pix[s:s+frame.Channels])
			}
		}
		return out, nil
	}
}

// Crop returns a TransformFunc which extracts region |rect| of frames,
// where X spans columns and Y spans rows. The region is clipped to the
// bounds of each frame, and a frame which doesn't intersect it fails.
func Crop(rect image.Rectangle) TransformFunc {
	return func(in frame.Frame) (frame.Frame, error) {
		if err := in.Validate(); err != nil {
			return frame.Frame{}, err
		}
		var r = rect.Canon().Intersect(image.Rect(0, 0, in.Width, in.Height))
		if r.Empty() {
			return frame.Frame{}, errors.Errorf("region %v is outside of %dx%d frame", rect, in.Height, in.Width)
		}
		var out = frame.New(r.Dy(), r.Dx())
		var row = r.Dx() * frame.Channels

		for y := 0; y != out.Height; y++ {
			var s = in.Offset(r.Min.Y+y, r.Min.X)
			copy(out.Pix[out.Offset(y, 0):], in.Pix[s:s+row])
		}
		if r != rect.Canon() {
			log.WithFields(log.Fields{"region": rect, "clipped": r}).Debug("clipped crop region")
		}
		return out, nil
	}
}
