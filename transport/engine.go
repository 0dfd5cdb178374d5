// Package transport moves frames between named pipeline stages.
//
// An Engine stores each frame as a record of a stage, and announces it to
// consumers through that stage's queue. Producers call AddFrame; consumers
// call GetFrame, which blocks until a frame is queued, and then advance it
// either by adding a new frame to a following stage or by moving the record
// there with MoveFrame.
//
// # Ordering
//
// A record and its queue entry are written by the same Etcd transaction,
// in both AddFrame and MoveFrame. A consumer which pops an ID is therefore
// always able to read its record, unless another caller deleted or moved
// it by ID in the interim (in which case the queue entry is removed
// as well). A record which is popped but whose consumer crashes before
// reading it is lost: there is no redelivery.
package transport

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.openblok.dev/framepipe/codecs"
	"go.openblok.dev/framepipe/frame"
	"go.openblok.dev/framepipe/metrics"
	"go.openblok.dev/framepipe/store"
)

// Metadata fields managed by the Engine.
const (
	// FieldAddFrameTime is the record field holding the duration, in seconds,
	// which AddFrame spent encoding and writing the frame.
	FieldAddFrameTime = "add_frame_time"
	// FieldGetFrameTime is the metadata field of a Delivery holding the
	// duration, in seconds, which GetFrame spent obtaining the frame.
	FieldGetFrameTime = "get_frame_time"
)

// DefaultWait is the default duration for which GetFrame awaits a queued frame.
const DefaultWait = 30 * time.Second

// Config of an Engine.
type Config struct {
	// Root key prefix of stage records and queues.
	Root string
	// Codec used to compress created frame payloads.
	Codec codecs.Codec
	// Wait is the duration for which GetFrame blocks awaiting a queued frame.
	// If zero, DefaultWait is used.
	Wait time.Duration
}

// Engine is the frame transport of pipeline stages.
type Engine struct {
	records *store.Records
	queue   *store.Queue
	wait    time.Duration
	newID   func() string
}

// NewEngine returns an Engine using the Etcd client and Config.
func NewEngine(etcd *clientv3.Client, cfg Config) *Engine {
	if cfg.Codec == "" {
		cfg.Codec = codecs.NONE
	}
	if cfg.Wait == 0 {
		cfg.Wait = DefaultWait
	}
	var keys = store.NewKeys(cfg.Root)

	return &Engine{
		records: store.NewRecords(etcd, keys, cfg.Codec),
		queue:   store.NewQueue(etcd, keys),
		wait:    cfg.Wait,
		newID:   func() string { return uuid.New().String() },
	}
}

// Records returns the store.Records of the Engine.
func (e *Engine) Records() *store.Records { return e.records }

// Queue returns the store.Queue of the Engine.
func (e *Engine) Queue() *store.Queue { return e.queue }

// UUIDField returns the metadata field into which AddFrame records the ID
// assigned to a frame added to |stage|.
func UUIDField(stage string) string { return stage + "UUID" }

// AddFrame encodes |f| and adds it as a new record of |stage| with the
// given |metadata|, queuing it for consumption. It returns the assigned
// record ID, which is also recorded in the metadata as UUIDField(stage).
// The record, its ingest latency, and its queue entry become visible
// together, in a single transaction.
func (e *Engine) AddFrame(ctx context.Context, stage string, f frame.Frame, metadata map[string]string) (string, error) {
	var start = time.Now()
	var id = e.newID()

	var payload, err = frame.Encode(f)
	if err != nil {
		metrics.FramesAddedTotal.WithLabelValues(stage, metrics.Fail).Inc()
		return "", err
	}
	var md = make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	md[UUIDField(stage)] = id

	var fields = map[string]string{
		FieldAddFrameTime: formatSeconds(time.Since(start)),
	}
	if err = e.records.Create(ctx, stage, id, payload, md, fields, e.queue.PushOp(stage, id)); err != nil {
		metrics.FramesAddedTotal.WithLabelValues(stage, metrics.Fail).Inc()
		return "", errors.WithMessagef(err, "adding frame to %s", stage)
	}

	metrics.FramesAddedTotal.WithLabelValues(stage, metrics.Ok).Inc()
	metrics.TransportOpSeconds.WithLabelValues("add_frame").Observe(time.Since(start).Seconds())

	log.WithFields(log.Fields{"stage": stage, "id": id, "height": f.Height, "width": f.Width}).
		Debug("added frame")
	return id, nil
}

// GetRequest is a request to GetFrame.
type GetRequest struct {
	// Stage to get a frame from.
	Stage string
	// ID of the record to get. If empty, GetFrame pops the next queued record
	// of the Stage. Otherwise the record is read directly, bypassing the queue.
	ID string
	// Keep the record within the Stage, rather than deleting it as it's read.
	Keep bool
}

// Delivery is a frame obtained by GetFrame.
type Delivery struct {
	Stage string
	ID    string
	Frame frame.Frame
	// Metadata of the record: its metadata document, overlaid with its
	// additional scalar fields (including FieldAddFrameTime), and
	// FieldGetFrameTime.
	Metadata map[string]string
}

// GetFrame obtains and decodes a frame of the requested stage.
//
// If GetRequest.ID is empty, GetFrame blocks until a frame is queued or the
// configured wait elapses, in which case it returns an error having cause
// store.ErrQueueEmpty. Callers are expected to retry. A record which cannot
// be found fails with cause store.ErrNotFound, and a record which cannot be
// decoded fails with cause frame.ErrDecoding or frame.ErrCorruptRecord.
//
// Unless GetRequest.Keep, the record is deleted as it's read.
func (e *Engine) GetFrame(ctx context.Context, req GetRequest) (*Delivery, error) {
	var start = time.Now()
	var id = req.ID
	var err error

	if id == "" {
		if id, err = e.queue.Pop(ctx, req.Stage, e.wait); err != nil {
			return nil, err
		}
	}

	var rec *store.Record
	if req.Keep {
		rec, err = e.records.Read(ctx, req.Stage, id, false)
	} else {
		rec, err = e.records.Read(ctx, req.Stage, id, true, e.queue.RemoveOp(req.Stage, id))
	}
	if err != nil {
		metrics.FramesReadTotal.WithLabelValues(req.Stage, metrics.Fail).Inc()
		return nil, errors.WithMessagef(err, "reading %s frame %s", req.Stage, id)
	}

	f, err := frame.Decode(rec.Payload)
	if err != nil {
		metrics.FramesReadTotal.WithLabelValues(req.Stage, metrics.Fail).Inc()
		return nil, errors.WithMessagef(err, "decoding %s frame %s", req.Stage, id)
	}

	var md = make(map[string]string, len(rec.Metadata)+len(rec.Fields)+1)
	for k, v := range rec.Metadata {
		md[k] = v
	}
	for k, v := range rec.Fields {
		md[k] = v
	}
	md[FieldGetFrameTime] = formatSeconds(time.Since(start))

	metrics.FramesReadTotal.WithLabelValues(req.Stage, metrics.Ok).Inc()
	metrics.TransportOpSeconds.WithLabelValues("get_frame").Observe(time.Since(start).Seconds())

	return &Delivery{Stage: req.Stage, ID: id, Frame: f, Metadata: md}, nil
}

// AddMetadata merges |metadata| as scalar fields of the |stage| record |id|.
// It does not affect the stage queue.
func (e *Engine) AddMetadata(ctx context.Context, stage, id string, metadata map[string]string) error {
	if err := e.records.AddFields(ctx, stage, id, metadata); err != nil {
		return errors.WithMessagef(err, "adding metadata to %s frame %s", stage, id)
	}
	return nil
}

// MoveFrame moves the |stage| record |id| to |newStage|, and queues it there.
// The record is removed from the |stage| queue (if present) and added to the
// |newStage| queue within the same transaction which renames it, so a
// consumer of |newStage| cannot observe the record before it's queued.
func (e *Engine) MoveFrame(ctx context.Context, stage, newStage, id string) error {
	var start = time.Now()
	var err error

	if stage == newStage {
		err = e.records.Rename(ctx, stage, newStage, id, e.queue.PushOp(newStage, id))
	} else {
		err = e.records.Rename(ctx, stage, newStage, id,
			e.queue.RemoveOp(stage, id), e.queue.PushOp(newStage, id))
	}
	if err != nil {
		metrics.FramesMovedTotal.WithLabelValues(newStage, metrics.Fail).Inc()
		return errors.WithMessagef(err, "moving frame %s from %s to %s", id, stage, newStage)
	}

	metrics.FramesMovedTotal.WithLabelValues(newStage, metrics.Ok).Inc()
	metrics.TransportOpSeconds.WithLabelValues("move_frame").Observe(time.Since(start).Seconds())

	log.WithFields(log.Fields{"from": stage, "to": newStage, "id": id}).Debug("moved frame")
	return nil
}

// DeleteFrame deletes the |stage| record |id| and its queue entry, if any.
// Deleting a missing record is not an error.
func (e *Engine) DeleteFrame(ctx context.Context, stage, id string) error {
	if err := e.records.Delete(ctx, stage, id, e.queue.RemoveOp(stage, id)); err != nil {
		return errors.WithMessagef(err, "deleting %s frame %s", stage, id)
	}
	metrics.FramesDeletedTotal.WithLabelValues(stage).Inc()
	return nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
