package transport

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.openblok.dev/framepipe/codecs"
	"go.openblok.dev/framepipe/etcdtest"
	"go.openblok.dev/framepipe/frame"
	"go.openblok.dev/framepipe/store"
)

func TestAddAndGetFrameScenario(t *testing.T) {
	var etcd, ctx = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	var engine = NewEngine(etcd, Config{Root: "/test", Wait: time.Second})
	var fixture = randomFrame(100, 50)

	var id, err = engine.AddFrame(ctx, "raw", fixture, nil)
	require.NoError(t, err)

	d, err := engine.GetFrame(ctx, GetRequest{Stage: "raw"})
	require.NoError(t, err)
	require.Equal(t, id, d.ID)
	require.Equal(t, "raw", d.Stage)
	require.True(t, fixture.Equal(d.Frame))
	require.Equal(t, id, d.Metadata["rawUUID"])

	// Latency fields are present and parse as seconds.
	for _, f := range []string{FieldAddFrameTime, FieldGetFrameTime} {
		var secs, err = strconv.ParseFloat(d.Metadata[f], 64)
		require.NoError(t, err, f)
		require.True(t, secs >= 0)
	}
	require.Len(t, d.Metadata, 3)

	// The record was deleted by the read.
	_, err = engine.GetFrame(ctx, GetRequest{Stage: "raw", ID: id})
	require.Equal(t, store.ErrNotFound, errors.Cause(err))

	// And the queue is empty.
	_, err = engine.GetFrame(ctx, GetRequest{Stage: "raw"})
	require.Equal(t, store.ErrQueueEmpty, errors.Cause(err))
}

func TestAddFrameDoesNotMutateMetadata(t *testing.T) {
	var etcd, ctx = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	var engine = NewEngine(etcd, Config{Root: "/test", Wait: time.Second})
	var md = map[string]string{"camera": "left"}

	var id, err = engine.AddFrame(ctx, "raw", randomFrame(4, 4), md)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"camera": "left"}, md)

	d, err := engine.GetFrame(ctx, GetRequest{Stage: "raw", ID: id})
	require.NoError(t, err)
	require.Equal(t, "left", d.Metadata["camera"])

	// Reading by ID with delete also removed the queue entry.
	n, err := engine.Queue().Len(ctx, "raw")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestAddFrameRejectsInvalidFrames(t *testing.T) {
	var etcd, ctx = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	var engine = NewEngine(etcd, Config{Root: "/test"})

	var _, err = engine.AddFrame(ctx, "raw", frame.Frame{Height: 2, Width: 2, Channels: 1, Pix: make([]byte, 4)}, nil)
	require.Equal(t, frame.ErrEncoding, errors.Cause(err))

	_, err = engine.AddFrame(ctx, "bad/stage", randomFrame(2, 2), nil)
	require.Equal(t, store.ErrInvalidStage, errors.Cause(err))
}

func TestMoveFrameIsAtomic(t *testing.T) {
	var etcd, ctx = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	var engine = NewEngine(etcd, Config{Root: "/test", Wait: time.Second})
	var fixture = randomFrame(8, 6)

	var id, err = engine.AddFrame(ctx, "roi", fixture, map[string]string{"k": "v"})
	require.NoError(t, err)
	require.NoError(t, engine.AddMetadata(ctx, "roi", id, map[string]string{"side": "[3, 4]"}))

	require.NoError(t, engine.MoveFrame(ctx, "roi", "predicted", id))

	_, err = engine.GetFrame(ctx, GetRequest{Stage: "roi", ID: id})
	require.Equal(t, store.ErrNotFound, errors.Cause(err))

	// The roi queue entry was removed by the move.
	_, err = engine.GetFrame(ctx, GetRequest{Stage: "roi"})
	require.Equal(t, store.ErrQueueEmpty, errors.Cause(err))

	// The predicted queue yields the moved record, unchanged.
	d, err := engine.GetFrame(ctx, GetRequest{Stage: "predicted"})
	require.NoError(t, err)
	require.Equal(t, id, d.ID)
	require.True(t, fixture.Equal(d.Frame))
	require.Equal(t, "v", d.Metadata["k"])
	require.Equal(t, id, d.Metadata["roiUUID"])
	require.Equal(t, "[3, 4]", d.Metadata["side"])

	// Moving a missing record fails.
	err = engine.MoveFrame(ctx, "roi", "predicted", id)
	require.Equal(t, store.ErrNotFound, errors.Cause(err))
}

func TestMoveWithinStageRequeues(t *testing.T) {
	var etcd, ctx = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	var engine = NewEngine(etcd, Config{Root: "/test", Wait: time.Second})

	var id, err = engine.AddFrame(ctx, "raw", randomFrame(2, 2), nil)
	require.NoError(t, err)

	d, err := engine.GetFrame(ctx, GetRequest{Stage: "raw", Keep: true})
	require.NoError(t, err)
	require.Equal(t, id, d.ID)

	// The record is retained but no longer queued. Re-queue it.
	require.NoError(t, engine.MoveFrame(ctx, "raw", "raw", id))

	d, err = engine.GetFrame(ctx, GetRequest{Stage: "raw"})
	require.NoError(t, err)
	require.Equal(t, id, d.ID)
}

func TestAddMetadataAndDeleteFrame(t *testing.T) {
	var etcd, ctx = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	var engine = NewEngine(etcd, Config{Root: "/test", Wait: 100 * time.Millisecond})

	var err = engine.AddMetadata(ctx, "raw", "missing", map[string]string{"a": "b"})
	require.Equal(t, store.ErrNotFound, errors.Cause(err))

	id, err := engine.AddFrame(ctx, "raw", randomFrame(2, 2), nil)
	require.NoError(t, err)

	require.NoError(t, engine.DeleteFrame(ctx, "raw", id))
	require.NoError(t, engine.DeleteFrame(ctx, "raw", id))

	// Deletion removed the queue entry, so no phantom ID is delivered.
	_, err = engine.GetFrame(ctx, GetRequest{Stage: "raw"})
	require.Equal(t, store.ErrQueueEmpty, errors.Cause(err))
}

func TestConcurrentGetByIDIsExclusive(t *testing.T) {
	var etcd, ctx = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	var engine = NewEngine(etcd, Config{Root: "/test", Wait: 100 * time.Millisecond})

	var id, err = engine.AddFrame(ctx, "raw", randomFrame(2, 2), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var results [2]error
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = engine.GetFrame(ctx, GetRequest{Stage: "raw", ID: id})
		}(i)
	}
	wg.Wait()

	if results[0] == nil {
		require.Equal(t, store.ErrNotFound, errors.Cause(results[1]))
	} else {
		require.NoError(t, results[1])
		require.Equal(t, store.ErrNotFound, errors.Cause(results[0]))
	}
}

func TestCompetingConsumersAcrossProducers(t *testing.T) {
	var etcd, ctx = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	var engine = NewEngine(etcd, Config{Root: "/test", Wait: 2 * time.Second, Codec: codecs.GZIP})
	const producers, perProducer = 3, 4

	var wg sync.WaitGroup
	var mu sync.Mutex
	var added = make(map[string]bool)

	for p := 0; p != producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i != perProducer; i++ {
				var id, err = engine.AddFrame(ctx, "raw", randomFrame(3, 3),
					map[string]string{"producer": fmt.Sprint(p)})
				require.NoError(t, err)

				mu.Lock()
				added[id] = true
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	var got = make(map[string]int)
	for c := 0; c != producers*perProducer; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var d, err = engine.GetFrame(ctx, GetRequest{Stage: "raw"})
			require.NoError(t, err)

			mu.Lock()
			got[d.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, got, len(added))
	for id, n := range got {
		require.True(t, added[id])
		require.Equal(t, 1, n)
	}
}

func TestCorruptPayloadFailsSingleRead(t *testing.T) {
	var etcd, ctx = etcdtest.TestClient(), context.Background()
	defer etcdtest.Cleanup()

	var engine = NewEngine(etcd, Config{Root: "/test", Wait: time.Second})

	// A record whose header declares more pixels than are present.
	var payload, err = frame.Encode(randomFrame(4, 4))
	require.NoError(t, err)
	require.NoError(t, engine.Records().Create(ctx, "raw", "bad", payload[:len(payload)-3], nil, nil,
		engine.Queue().PushOp("raw", "bad")))

	id, err := engine.AddFrame(ctx, "raw", randomFrame(4, 4), nil)
	require.NoError(t, err)

	_, err = engine.GetFrame(ctx, GetRequest{Stage: "raw"})
	require.Equal(t, frame.ErrDecoding, errors.Cause(err))

	// The following frame is unaffected.
	d, err := engine.GetFrame(ctx, GetRequest{Stage: "raw"})
	require.NoError(t, err)
	require.Equal(t, id, d.ID)

	resp, err := etcd.Get(ctx, "/test/", clientv3.WithPrefix(), clientv3.WithCountOnly())
	require.NoError(t, err)
	require.Equal(t, int64(0), resp.Count)
}

func randomFrame(height, width int) frame.Frame {
	var f = frame.New(height, width)
	_, _ = rand.Read(f.Pix)
	return f
}

func TestMain(m *testing.M) { etcdtest.TestMainWithEtcd(m) }
