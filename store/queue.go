package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.openblok.dev/framepipe/metrics"
)

// ErrQueueEmpty is returned by Pop when no entry became available before
// its timeout elapsed.
var ErrQueueEmpty = errors.New("no frame available before timeout")

// Queue is an ordered, blocking queue of record IDs of each stage.
//
// Entries are ordered by the Etcd revision at which they were first pushed,
// and are delivered in that order. Each entry is delivered to exactly one
// of any number of competing Pop callers: an entry is claimed by a
// transaction which deletes it only if it is unchanged since it was read.
//
// A record ID has at most one entry in a stage queue. Pushing an ID which
// is already queued leaves its position unchanged.
type Queue struct {
	etcd *clientv3.Client
	keys Keys
}

// NewQueue returns a Queue of the Keys layout.
func NewQueue(etcd *clientv3.Client, keys Keys) *Queue {
	return &Queue{etcd: etcd, keys: keys}
}

// PushOp returns an Op which appends record |id| to the |stage| queue.
// It's intended for composition with a Records transaction, and the caller
// is responsible for validating |stage| and |id|.
func (q *Queue) PushOp(stage, id string) clientv3.Op {
	return clientv3.OpPut(q.keys.QueueEntry(stage, id), id)
}

// RemoveOp returns an Op which removes record |id| from the |stage| queue,
// if it's queued. The caller is responsible for validating |stage| and |id|.
func (q *Queue) RemoveOp(stage, id string) clientv3.Op {
	return clientv3.OpDelete(q.keys.QueueEntry(stage, id))
}

// Push record |id| to the tail of the |stage| queue.
func (q *Queue) Push(ctx context.Context, stage, id string) error {
	if err := validate(stage, id); err != nil {
		return err
	}
	var _, err = q.etcd.Do(ctx, q.PushOp(stage, id))
	return err
}

// Pop removes and returns the record ID at the head of the |stage| queue.
// If the queue is empty, Pop blocks until an entry is pushed or |timeout|
// elapses, in which case it returns ErrQueueEmpty. A |timeout| of zero
// blocks until |ctx| is done, and cancellation of |ctx| returns its error.
func (q *Queue) Pop(ctx context.Context, stage string, timeout time.Duration) (string, error) {
	if err := ValidateToken(stage); err != nil {
		return "", err
	}
	var parent = ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var prefix = q.keys.Queue(stage)

	for {
		var resp, err = q.etcd.Get(ctx, prefix, clientv3.WithFirstCreate()...)
		if err != nil {
			return "", q.popErr(parent, ctx, stage, err)
		}

		if len(resp.Kvs) == 0 {
			// Block until a subsequent revision pushes an entry.
			if err = q.awaitPush(ctx, prefix, resp.Header.Revision+1); err != nil {
				return "", q.popErr(parent, ctx, stage, err)
			}
			continue
		}

		var kv = resp.Kvs[0]
		txnResp, err := q.etcd.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(string(kv.Key)), "=", kv.ModRevision)).
			Then(clientv3.OpDelete(string(kv.Key))).
			Commit()

		if err != nil {
			return "", q.popErr(parent, ctx, stage, err)
		} else if txnResp.Succeeded {
			return string(kv.Value), nil
		}
		// Another consumer claimed the entry first.
		metrics.StoreTxnConflictsTotal.WithLabelValues("pop").Inc()
	}
}

// Len returns the number of entries of the |stage| queue.
func (q *Queue) Len(ctx context.Context, stage string) (int64, error) {
	if err := ValidateToken(stage); err != nil {
		return 0, err
	}
	var resp, err = q.etcd.Get(ctx, q.keys.Queue(stage), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// Depths returns the number of queued entries of each non-empty stage queue.
func (q *Queue) Depths(ctx context.Context) (map[string]int64, error) {
	var resp, err = q.etcd.Get(ctx, q.keys.Root+"/", clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}
	var out = make(map[string]int64)

	for _, kv := range resp.Kvs {
		if stage, _, _, queued, ok := q.keys.Parse(string(kv.Key)); ok && queued {
			out[stage]++
		}
	}
	return out, nil
}

// awaitPush blocks until a key under |prefix| is put at or after |revision|.
func (q *Queue) awaitPush(ctx context.Context, prefix string, revision int64) error {
	var wctx, cancel = context.WithCancel(clientv3.WithRequireLeader(ctx))
	defer cancel()

	var ch = q.etcd.Watch(wctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithRev(revision),
		clientv3.WithFilterDelete(),
	)
	for resp := range ch {
		if resp.CompactRevision != 0 {
			// |revision| was compacted. Re-read the queue head.
			return nil
		} else if err := resp.Err(); err != nil {
			return err
		} else if len(resp.Events) != 0 {
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("queue watch closed unexpectedly")
}

// popErr maps an error encountered by Pop into ErrQueueEmpty if the Pop
// timeout elapsed, or into the parent Context's error if it's done.
func (q *Queue) popErr(parent, ctx context.Context, stage string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	} else if ctx.Err() != nil {
		metrics.QueueEmptyTotal.WithLabelValues(stage).Inc()
		return errors.WithMessage(ErrQueueEmpty, stage)
	}
	return err
}
