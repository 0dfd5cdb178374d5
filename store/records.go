package store

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.openblok.dev/framepipe/codecs"
	"go.openblok.dev/framepipe/frame"
	"go.openblok.dev/framepipe/metrics"
)

// Fields of a stored record which are managed by Records, and which may not
// be set through AddFields.
const (
	FieldFrame    = "frame"
	FieldMetadata = "metadata"
	FieldCodec    = "codec"
)

var (
	// ErrNotFound is returned when an operation addresses a record which does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrRecordExists is returned when a record would be created or renamed over
	// an existing record.
	ErrRecordExists = errors.New("record already exists")
	// ErrInvalidField is returned when a record field name is reserved or malformed.
	ErrInvalidField = errors.New("invalid record field")
)

// Record is a frame payload and its metadata, as stored under a stage.
type Record struct {
	Stage string
	ID    string
	// Payload is the encoded frame, after decompression.
	Payload []byte
	// Metadata is the JSON-encoded metadata document of the record.
	Metadata map[string]string
	// Fields are the remaining scalar fields of the record, such as
	// "add_frame_time" and fields merged by AddFields.
	Fields map[string]string
	// Revision is the Etcd revision at which the Record was read.
	Revision int64
}

// Records adapts Etcd into a store of frame records, where each record is a
// set of fields under a common key prefix of its stage and ID. Each Records
// operation is a single Etcd transaction, and operations accept additional
// Ops (eg, of a Queue) which are applied within that same transaction.
type Records struct {
	etcd  *clientv3.Client
	keys  Keys
	codec codecs.Codec
}

// NewRecords returns Records of the Keys layout, which compresses created
// payloads with |codec|.
func NewRecords(etcd *clientv3.Client, keys Keys, codec codecs.Codec) *Records {
	if err := codec.Validate(); err != nil {
		panic(err.Error())
	}
	return &Records{etcd: etcd, keys: keys, codec: codec}
}

// Keys returns the layout of the Records.
func (r *Records) Keys() Keys { return r.keys }

// Create the |stage| record |id| from |payload|, |metadata|, and additional
// scalar |fields|. All fields and |also| Ops are written in a single
// transaction, which fails with ErrRecordExists if any field of the record
// already exists.
func (r *Records) Create(ctx context.Context, stage, id string, payload []byte,
	metadata, fields map[string]string, also ...clientv3.Op) error {

	if err := validate(stage, id); err != nil {
		return err
	} else if err = validateFields(fields); err != nil {
		return err
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	var mdBytes, err = json.Marshal(metadata)
	if err != nil {
		return errors.WithMessage(err, "encoding metadata")
	}
	compressed, err := codecs.Compress(payload, r.codec)
	if err != nil {
		return errors.WithMessagef(err, "compressing payload with %s", r.codec)
	}

	var ops = []clientv3.Op{
		clientv3.OpPut(r.keys.Field(stage, id, FieldFrame), string(compressed)),
		clientv3.OpPut(r.keys.Field(stage, id, FieldMetadata), string(mdBytes)),
	}
	if r.codec != codecs.NONE {
		ops = append(ops, clientv3.OpPut(r.keys.Field(stage, id, FieldCodec), string(r.codec)))
	}
	for f, v := range fields {
		ops = append(ops, clientv3.OpPut(r.keys.Field(stage, id, f), v))
	}
	ops = append(ops, also...)

	var prefix = r.keys.Record(stage, id)
	resp, err := r.etcd.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(prefix), "=", 0).WithPrefix()).
		Then(ops...).
		Commit()

	if err != nil {
		return err
	} else if !resp.Succeeded {
		return errors.WithMessage(ErrRecordExists, prefix)
	}
	metrics.FramePayloadBytesTotal.WithLabelValues(string(r.codec)).Add(float64(len(compressed)))
	return nil
}

// Read the |stage| record |id|. If |del|, the record is deleted in the same
// transaction which reads it, along with |also| Ops. Concurrent deleting Reads
// of a record therefore succeed for exactly one caller, and fail with
// ErrNotFound for all others. |also| is ignored if !|del|.
func (r *Records) Read(ctx context.Context, stage, id string, del bool, also ...clientv3.Op) (*Record, error) {
	if err := validate(stage, id); err != nil {
		return nil, err
	}
	var prefix = r.keys.Record(stage, id)
	var kvs []*mvccpb.KeyValue
	var revision int64

	if del {
		var resp, err = r.etcd.Txn(ctx).
			If(clientv3.Compare(clientv3.Version(r.keys.Field(stage, id, FieldFrame)), ">", 0)).
			Then(append([]clientv3.Op{
				clientv3.OpGet(prefix, clientv3.WithPrefix()),
				clientv3.OpDelete(prefix, clientv3.WithPrefix()),
			}, also...)...).
			Commit()

		if err != nil {
			return nil, err
		} else if !resp.Succeeded {
			return nil, errors.WithMessage(ErrNotFound, prefix)
		}
		kvs, revision = resp.Responses[0].GetResponseRange().Kvs, resp.Header.Revision
	} else {
		var resp, err = r.etcd.Get(ctx, prefix, clientv3.WithPrefix())
		if err != nil {
			return nil, err
		}
		kvs, revision = resp.Kvs, resp.Header.Revision
	}
	return r.decode(stage, id, kvs, revision)
}

// Rename the |stage| record |id| to |newStage|, leaving its fields unchanged.
// The record is read, and then atomically re-written under |newStage| and
// removed from |stage| (along with applying |also| Ops) only if it was not
// modified in the interim. Conflicting modifications are retried. Rename
// fails with ErrNotFound if the record doesn't exist, and with
// ErrRecordExists if |newStage| already holds record |id|.
//
// If |stage| == |newStage|, Rename applies |also| only if the record exists.
func (r *Records) Rename(ctx context.Context, stage, newStage, id string, also ...clientv3.Op) error {
	if err := validate(stage, newStage, id); err != nil {
		return err
	}
	var prefix, frameKey = r.keys.Record(stage, id), r.keys.Field(stage, id, FieldFrame)

	if stage == newStage {
		var resp, err = r.etcd.Txn(ctx).
			If(clientv3.Compare(clientv3.Version(frameKey), ">", 0)).
			Then(also...).
			Commit()

		if err != nil {
			return err
		} else if !resp.Succeeded {
			return errors.WithMessage(ErrNotFound, prefix)
		}
		return nil
	}
	var newPrefix = r.keys.Record(newStage, id)

	for {
		var resp, err = r.etcd.Get(ctx, prefix, clientv3.WithPrefix())
		if err != nil {
			return err
		}
		var frameKV = findField(resp.Kvs, frameKey)
		if frameKV == nil {
			return errors.WithMessage(ErrNotFound, prefix)
		}

		var ops []clientv3.Op
		for _, kv := range resp.Kvs {
			ops = append(ops, clientv3.OpPut(newPrefix+string(kv.Key[len(prefix):]), string(kv.Value)))
		}
		ops = append(ops, clientv3.OpDelete(prefix, clientv3.WithPrefix()))
		ops = append(ops, also...)

		txnResp, err := r.etcd.Txn(ctx).
			If(
				// The record was not re-created or modified since we read it.
				clientv3.Compare(clientv3.CreateRevision(frameKey), "=", frameKV.CreateRevision),
				clientv3.Compare(clientv3.ModRevision(prefix), "<", resp.Header.Revision+1).WithPrefix(),
				// The target does not exist.
				clientv3.Compare(clientv3.Version(newPrefix), "=", 0).WithPrefix(),
			).
			Then(ops...).
			Else(clientv3.OpGet(newPrefix, clientv3.WithPrefix(), clientv3.WithCountOnly())).
			Commit()

		if err != nil {
			return err
		} else if txnResp.Succeeded {
			return nil
		} else if txnResp.Responses[0].GetResponseRange().Count != 0 {
			return errors.WithMessage(ErrRecordExists, newPrefix)
		}

		metrics.StoreTxnConflictsTotal.WithLabelValues("rename").Inc()
		log.WithFields(log.Fields{"key": prefix, "revision": resp.Header.Revision}).
			Debug("record modified during rename (will retry)")
	}
}

// AddFields merges |fields| into the existing |stage| record |id|, failing
// with ErrNotFound if the record does not exist. The record payload and
// metadata document are not modified.
func (r *Records) AddFields(ctx context.Context, stage, id string, fields map[string]string) error {
	if err := validate(stage, id); err != nil {
		return err
	} else if err = validateFields(fields); err != nil {
		return err
	}
	var ops []clientv3.Op
	for f, v := range fields {
		ops = append(ops, clientv3.OpPut(r.keys.Field(stage, id, f), v))
	}

	var resp, err = r.etcd.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(r.keys.Field(stage, id, FieldFrame)), ">", 0)).
		Then(ops...).
		Commit()

	if err != nil {
		return err
	} else if !resp.Succeeded {
		return errors.WithMessage(ErrNotFound, r.keys.Record(stage, id))
	}
	return nil
}

// Delete the |stage| record |id|, along with applying |also| Ops.
// Deleting a record which does not exist is not an error.
func (r *Records) Delete(ctx context.Context, stage, id string, also ...clientv3.Op) error {
	if err := validate(stage, id); err != nil {
		return err
	}
	var _, err = r.etcd.Txn(ctx).
		Then(append([]clientv3.Op{
			clientv3.OpDelete(r.keys.Record(stage, id), clientv3.WithPrefix()),
		}, also...)...).
		Commit()

	return err
}

// Count returns the number of records held by each stage.
func (r *Records) Count(ctx context.Context) (map[string]int64, error) {
	var resp, err = r.etcd.Get(ctx, r.keys.Root+"/", clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}
	var out = make(map[string]int64)

	for _, kv := range resp.Kvs {
		if stage, _, field, queued, ok := r.keys.Parse(string(kv.Key)); ok && !queued && field == FieldFrame {
			out[stage]++
		}
	}
	return out, nil
}

// Clear deletes all records and queue entries of the Keys layout,
// returning the number of deleted keys.
func (r *Records) Clear(ctx context.Context) (int64, error) {
	var resp, err = r.etcd.Delete(ctx, r.keys.Root+"/", clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}
	return resp.Deleted, nil
}

func (r *Records) decode(stage, id string, kvs []*mvccpb.KeyValue, revision int64) (*Record, error) {
	var prefix = r.keys.Record(stage, id)
	if len(kvs) == 0 {
		return nil, errors.WithMessage(ErrNotFound, prefix)
	}
	var rec = &Record{
		Stage:    stage,
		ID:       id,
		Fields:   make(map[string]string),
		Revision: revision,
	}
	var payload []byte
	var haveFrame, haveMetadata bool
	var codec = codecs.NONE

	for _, kv := range kvs {
		switch field := string(kv.Key[len(prefix):]); field {
		case FieldFrame:
			payload, haveFrame = kv.Value, true
		case FieldMetadata:
			if err := json.Unmarshal(kv.Value, &rec.Metadata); err != nil {
				return nil, errors.WithMessagef(frame.ErrCorruptRecord, "decoding %s metadata: %s", prefix, err)
			}
			haveMetadata = true
		case FieldCodec:
			codec = codecs.Codec(kv.Value)
		default:
			rec.Fields[field] = string(kv.Value)
		}
	}

	if !haveFrame {
		return nil, errors.WithMessagef(frame.ErrCorruptRecord, "%s has no %s field", prefix, FieldFrame)
	} else if !haveMetadata || rec.Metadata == nil {
		rec.Metadata = make(map[string]string)
	}

	var err error
	if rec.Payload, err = codecs.Decompress(payload, codec); err != nil {
		return nil, errors.WithMessagef(frame.ErrCorruptRecord, "decompressing %s payload (%s): %s", prefix, codec, err)
	}
	return rec, nil
}

func validateFields(fields map[string]string) error {
	for f := range fields {
		switch f {
		case FieldFrame, FieldMetadata, FieldCodec:
			return errors.WithMessagef(ErrInvalidField, "field %q is reserved", f)
		}
		if f == "" || strings.Contains(f, "/") {
			return errors.WithMessagef(ErrInvalidField, "field name %q", f)
		}
	}
	return nil
}

func findField(kvs []*mvccpb.KeyValue, key string) *mvccpb.KeyValue {
	for _, kv := range kvs {
		if string(kv.Key) == key {
			return kv
		}
	}
	return nil
}
