package stage

import (
	"context"
	"image"
	"sort"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.openblok.dev/framepipe/diskcache"
	"go.openblok.dev/framepipe/etcdtest"
	"go.openblok.dev/framepipe/frame"
	"go.openblok.dev/framepipe/store"
	"go.openblok.dev/framepipe/task"
	"go.openblok.dev/framepipe/transport"
)

func TestRunnerSkipsFailedUnits(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var tp = &scriptedTransport{
		cancel: cancel,
		gets: []getResult{
			{err: errors.WithMessage(store.ErrQueueEmpty, "raw")},
			{err: errors.WithMessage(store.ErrNotFound, "/test/raw:abc/")},
			{err: errors.WithMessage(frame.ErrDecoding, "short")},
			{err: errors.WithMessage(frame.ErrCorruptRecord, "long")},
			{err: errors.New("etcdserver: request timed out")},
			{d: &transport.Delivery{Stage: "raw", ID: "one"}},
			{d: &transport.Delivery{Stage: "raw", ID: "two"}},
			{d: &transport.Delivery{Stage: "raw", ID: "three"}},
		},
	}
	var h = &recordingHandler{fail: map[string]bool{"two": true}}
	var r = &Runner{Name: "test", Transport: tp, Source: "raw", Handler: h, Backoff: time.Millisecond}

	require.NoError(t, r.Serve(ctx))
	require.Equal(t, []string{"one", "two", "three"}, h.ids)
	require.Len(t, tp.reqs, 9)
	require.Equal(t, transport.GetRequest{Stage: "raw"}, tp.reqs[0])
}

func TestRunnerFailsOnInvalidSource(t *testing.T) {
	var tp = &scriptedTransport{
		gets: []getResult{{err: errors.WithMessage(store.ErrInvalidStage, `"a/b"`)}},
	}
	var r = &Runner{Name: "test", Transport: tp, Source: "a/b", Handler: &recordingHandler{}}

	var err = r.Serve(context.Background())
	require.Equal(t, store.ErrInvalidStage, errors.Cause(err))
}

func TestPipelineEndToEnd(t *testing.T) {
	var etcd, ctx = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	var engine = transport.NewEngine(etcd, transport.Config{Root: "/test", Wait: 100 * time.Millisecond})
	var fs = afero.NewMemMapFs()
	var mirror, err = diskcache.New(fs, diskcache.Config{Enabled: true, Path: "/mirror", MaxSizeGB: 1}, time.Unix(10, 0))
	require.NoError(t, err)

	var extract = &Runner{
		Name:      "extract-roi",
		Transport: engine,
		Source:    "raw",
		Handler: &Transform{
			Target: "roi",
			Fn:     Crop(image.Rect(1, 2, 5, 6)),
			Mirror: mirror,
		},
	}
	var predict = &Runner{
		Name:      "predict",
		Transport: engine,
		Source:    "roi",
		Keep:      true,
		Handler: &Predict{
			Target: "predicted",
			Predictor: PredictorFunc(func(_ context.Context, f frame.Frame) (map[string]string, error) {
				return map[string]string{"side": "[1, 2]", "top": "[3, 4]"}, nil
			}),
		},
	}

	var tasks = task.NewGroup(ctx)
	tasks.Queue("extract-roi", func() error { return extract.Serve(tasks.Context()) })
	tasks.Queue("predict", func() error { return predict.Serve(tasks.Context()) })
	tasks.GoRun()

	var added []string
	for i := 0; i != 3; i++ {
		var id, err = engine.AddFrame(ctx, "raw", numbered(8, 10), map[string]string{"camera": "left"})
		require.NoError(t, err)
		added = append(added, id)
	}

	var got []string
	for len(got) != len(added) {
		var d, err = engine.GetFrame(ctx, transport.GetRequest{Stage: "predicted"})
		if errors.Cause(err) == store.ErrQueueEmpty {
			continue
		}
		require.NoError(t, err)

		require.Equal(t, 4, d.Frame.Height)
		require.Equal(t, 4, d.Frame.Width)
		require.Equal(t, "left", d.Metadata["camera"])
		require.Equal(t, "[1, 2]", d.Metadata["side"])
		require.Equal(t, "[3, 4]", d.Metadata["top"])
		require.Equal(t, "[4, 4, 3]", d.Metadata[FieldPreprocessedShape])
		require.Equal(t, d.ID, d.Metadata[transport.UUIDField("roi")])

		got = append(got, d.Metadata[transport.UUIDField("raw")])
	}
	tasks.Cancel()
	require.NoError(t, tasks.Wait())

	sort.Strings(added)
	sort.Strings(got)
	require.Equal(t, added, got)

	// Each extracted region was mirrored.
	infos, err := afero.ReadDir(fs, "/mirror/10")
	require.NoError(t, err)
	require.Len(t, infos, 3)

	// Nothing remains in any stage.
	counts, err := engine.Records().Count(ctx)
	require.NoError(t, err)
	require.Empty(t, counts)
}

func TestPredictFailureDeletesFrame(t *testing.T) {
	var etcd, ctx = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	var engine = transport.NewEngine(etcd, transport.Config{Root: "/test", Wait: time.Second})
	var id, err = engine.AddFrame(ctx, "roi", numbered(2, 2), nil)
	require.NoError(t, err)

	d, err := engine.GetFrame(ctx, transport.GetRequest{Stage: "roi", Keep: true})
	require.NoError(t, err)

	var p = &Predict{
		Target: "predicted",
		Predictor: PredictorFunc(func(context.Context, frame.Frame) (map[string]string, error) {
			return nil, errors.New("model unavailable")
		}),
	}
	require.EqualError(t, p.Handle(ctx, engine, d),
		"predicting roi frame "+id+": model unavailable")

	_, err = engine.GetFrame(ctx, transport.GetRequest{Stage: "roi", ID: id})
	require.Equal(t, store.ErrNotFound, errors.Cause(err))
}

func TestPredictStoreFailureRequeuesFrame(t *testing.T) {
	var etcd, ctx = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	var engine = transport.NewEngine(etcd, transport.Config{Root: "/test", Wait: time.Second})
	var id, err = engine.AddFrame(ctx, "roi", numbered(2, 2), nil)
	require.NoError(t, err)

	var p = &Predict{
		Target: "predicted",
		Predictor: PredictorFunc(func(context.Context, frame.Frame) (map[string]string, error) {
			return map[string]string{"top": "[1]"}, nil
		}),
	}
	var tp = &failingMoves{Transport: engine, n: 1}

	d, err := engine.GetFrame(ctx, transport.GetRequest{Stage: "roi", Keep: true})
	require.NoError(t, err)
	require.EqualError(t, p.Handle(ctx, tp, d), "etcdserver: request timed out")

	// The frame was queued again, and is redelivered.
	d, err = engine.GetFrame(ctx, transport.GetRequest{Stage: "roi", Keep: true})
	require.NoError(t, err)
	require.Equal(t, id, d.ID)
	require.NoError(t, p.Handle(ctx, tp, d))

	d, err = engine.GetFrame(ctx, transport.GetRequest{Stage: "predicted"})
	require.NoError(t, err)
	require.Equal(t, id, d.ID)
	require.Equal(t, "[1]", d.Metadata["top"])

	counts, err := engine.Records().Count(ctx)
	require.NoError(t, err)
	require.Empty(t, counts)
}

func TestPredictInvalidResultsDeletesFrame(t *testing.T) {
	var etcd, ctx = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	var engine = transport.NewEngine(etcd, transport.Config{Root: "/test", Wait: time.Second})
	var id, err = engine.AddFrame(ctx, "roi", numbered(2, 2), nil)
	require.NoError(t, err)

	d, err := engine.GetFrame(ctx, transport.GetRequest{Stage: "roi", Keep: true})
	require.NoError(t, err)

	// Results which can never be attached aren't retried.
	var p = &Predict{
		Target: "predicted",
		Predictor: PredictorFunc(func(context.Context, frame.Frame) (map[string]string, error) {
			return map[string]string{store.FieldFrame: "x"}, nil
		}),
	}
	require.Equal(t, store.ErrInvalidField, errors.Cause(p.Handle(ctx, engine, d)))

	_, err = engine.GetFrame(ctx, transport.GetRequest{Stage: "roi", ID: id})
	require.Equal(t, store.ErrNotFound, errors.Cause(err))
}

// failingMoves fails the next |n| moves of a frame to another stage.
type failingMoves struct {
	Transport
	n int
}

func (f *failingMoves) MoveFrame(ctx context.Context, stage, newStage, id string) error {
	if stage != newStage && f.n != 0 {
		f.n--
		return errors.New("etcdserver: request timed out")
	}
	return f.Transport.MoveFrame(ctx, stage, newStage, id)
}

type getResult struct {
	d   *transport.Delivery
	err error
}

// scriptedTransport returns scripted GetFrame results, and cancels the
// Runner once they're exhausted.
type scriptedTransport struct {
	Transport
	cancel context.CancelFunc
	gets   []getResult
	reqs   []transport.GetRequest
}

func (s *scriptedTransport) GetFrame(ctx context.Context, req transport.GetRequest) (*transport.Delivery, error) {
	s.reqs = append(s.reqs, req)

	if len(s.gets) == 0 {
		s.cancel()
		return nil, ctx.Err()
	}
	var r = s.gets[0]
	s.gets = s.gets[1:]
	return r.d, r.err
}

type recordingHandler struct {
	fail map[string]bool
	ids  []string
}

func (h *recordingHandler) Handle(_ context.Context, _ Transport, d *transport.Delivery) error {
	h.ids = append(h.ids, d.ID)
	if h.fail[d.ID] {
		return errors.New("handler failed")
	}
	return nil
}

func TestMain(m *testing.M) { etcdtest.TestMainWithEtcd(m) }
