package store

import (
	"fmt"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidStage is returned for a stage name or record ID which cannot be
// represented within a Keys layout.
var ErrInvalidStage = errors.New("invalid stage or record ID")

// Keys is the layout of records and stage queues within Etcd. All keys live
// under a common Root:
//
//	{root}/{stage}:{id}/{field}   record fields
//	{root}/{stage}_queue/{id}     stage queue entries
//
// Stage names and record IDs may not contain '/' or ':'.
type Keys struct {
	Root string
}

// NewKeys returns Keys rooted at |root|, which must be a cleaned, absolute path.
func NewKeys(root string) Keys {
	if c := path.Clean(root); c != root || !path.IsAbs(root) || root == "/" {
		panic(fmt.Sprintf("expected root to be a cleaned, absolute, non-root path (%s != %s)", c, root))
	}
	return Keys{Root: root}
}

// ValidateToken returns an error if |s| is not a valid stage name or record ID.
func ValidateToken(s string) error {
	if s == "" {
		return errors.WithMessage(ErrInvalidStage, "empty name")
	} else if strings.ContainsAny(s, "/:") {
		return errors.WithMessagef(ErrInvalidStage, "%q may not contain '/' or ':'", s)
	}
	return nil
}

func validate(tokens ...string) error {
	for _, t := range tokens {
		if err := ValidateToken(t); err != nil {
			return err
		}
	}
	return nil
}

// Record returns the key prefix of all fields of the |stage| record |id|.
// The prefix has a trailing '/'.
func (k Keys) Record(stage, id string) string {
	return k.Root + "/" + stage + ":" + id + "/"
}

// Field returns the key of |field| of the |stage| record |id|.
func (k Keys) Field(stage, id, field string) string {
	return k.Record(stage, id) + field
}

// Queue returns the key prefix of entries of the |stage| queue.
// The prefix has a trailing '/'.
func (k Keys) Queue(stage string) string {
	return k.Root + "/" + stage + queueSuffix + "/"
}

// QueueEntry returns the key of the |stage| queue entry of record |id|.
func (k Keys) QueueEntry(stage, id string) string {
	return k.Queue(stage) + id
}

// Parse a key of the layout. If |key| is a queue entry, |field| is empty
// and |queued| is true. |ok| is false if |key| is not of the layout.
func (k Keys) Parse(key string) (stage, id, field string, queued, ok bool) {
	if !strings.HasPrefix(key, k.Root+"/") {
		return
	}
	var parts = strings.SplitN(key[len(k.Root)+1:], "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return
	}
	if s := parts[0]; strings.HasSuffix(s, queueSuffix) && !strings.Contains(s, ":") {
		return strings.TrimSuffix(s, queueSuffix), parts[1], "", true, true
	}
	var sid = strings.SplitN(parts[0], ":", 2)
	if len(sid) != 2 {
		return
	}
	return sid[0], sid[1], parts[1], false, true
}

const queueSuffix = "_queue"
