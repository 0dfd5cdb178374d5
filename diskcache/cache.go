// Package diskcache mirrors frames to local disk as PNG images, for
// debugging and auditing of a pipeline process. The mirror is best-effort
// and bounded: once the cache root holds its configured capacity, further
// images are dropped.
//
// Images are written to {root}/{session}/{name}.png, where the session is
// derived from the process start time and is unique to the process.
package diskcache

import (
	"bytes"
	"encoding/json"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.openblok.dev/framepipe/frame"
	"go.openblok.dev/framepipe/metrics"
)

var (
	// ErrCapacityExceeded is returned by AddImage when the cache is full.
	ErrCapacityExceeded = errors.New("local storage is full")
	// ErrImageExists is returned by AddImage when the session already has an
	// image of the name. Images are write-once.
	ErrImageExists = errors.New("image already exists")
)

// SessionMetadataName is the file name of the session metadata document.
const SessionMetadataName = "metadata.json"

// Config configures a Cache.
type Config struct {
	Enabled   bool    `long:"enabled" env:"ENABLED" description:"Mirror processed frames to local disk"`
	Path      string  `long:"path" env:"DIR" default:"/var/lib/framepipe/frames" description:"Root directory of the local frame mirror"`
	MaxSizeGB float64 `long:"max-size-gb" env:"MAX_SIZE_GB" default:"10" description:"Capacity of the local frame mirror, in gigabytes"`
}

// Capacity of the Config, in bytes.
func (c Config) Capacity() int64 { return int64(c.MaxSizeGB * (1 << 30)) }

// Cache is a quota-bounded mirror of frames to a local filesystem.
type Cache struct {
	fs        afero.Fs
	cfg       Config
	sessionID string
	capacity  int64

	mu      sync.Mutex
	current int64
}

// New returns a Cache of |fs| using the Config. If the Config is enabled,
// New creates the session directory of a process started at |started|,
// and sums the size of all files under the cache root.
func New(fs afero.Fs, cfg Config, started time.Time) (*Cache, error) {
	var c = &Cache{
		fs:        fs,
		cfg:       cfg,
		sessionID: strconv.FormatInt(started.Unix(), 10),
		capacity:  cfg.Capacity(),
	}
	if !cfg.Enabled {
		return c, nil
	}

	// Never share a session directory with another process.
	var base = c.sessionID + "-" + strconv.Itoa(os.Getpid())
	for n := 0; ; n++ {
		if exists, err := afero.DirExists(fs, c.sessionDir()); err != nil {
			return nil, err
		} else if !exists {
			break
		} else if n == 0 {
			c.sessionID = base
		} else {
			c.sessionID = base + "-" + strconv.Itoa(n)
		}
	}
	if err := fs.MkdirAll(c.sessionDir(), 0755); err != nil {
		return nil, errors.WithMessage(err, "creating session directory")
	}

	var err = afero.Walk(fs, cfg.Path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		} else if !info.IsDir() {
			c.current += info.Size()
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "sizing local storage")
	}

	metrics.DiskCacheBytes.Set(float64(c.current))
	metrics.DiskCacheCapacityBytes.Set(float64(c.capacity))

	log.WithFields(log.Fields{
		"path":     cfg.Path,
		"session":  c.sessionID,
		"size":     humanize.IBytes(uint64(c.current)),
		"capacity": humanize.IBytes(uint64(c.capacity)),
	}).Info("initialized local storage")

	return c, nil
}

var shared struct {
	once  sync.Once
	cache *Cache
	err   error
}

// Shared returns the process-wide Cache of the OS filesystem. It's
// initialized by the first call, and subsequent calls return the same Cache
// regardless of their Config.
func Shared(cfg Config) (*Cache, error) {
	shared.once.Do(func() {
		shared.cache, shared.err = New(afero.NewOsFs(), cfg, processStarted)
	})
	return shared.cache, shared.err
}

// SessionID of the Cache.
func (c *Cache) SessionID() string { return c.sessionID }

// CurrentSize returns the bytes currently accounted to the cache root.
func (c *Cache) CurrentSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AddImage writes |f| as PNG image |name| of the session. It's a no-op if
// the Cache is disabled. If the cache is at or over capacity the image is
// dropped, a warning is logged, and ErrCapacityExceeded is returned. An
// existing image is never overwritten. Callers
// should treat all errors of AddImage as non-fatal.
func (c *Cache) AddImage(f frame.Frame, name string) error {
	if !c.cfg.Enabled {
		return nil
	} else if err := validateName(name); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current >= c.capacity {
		metrics.DiskCacheDroppedTotal.Inc()
		log.WithFields(log.Fields{
			"name":     name,
			"size":     humanize.IBytes(uint64(c.current)),
			"capacity": humanize.IBytes(uint64(c.capacity)),
		}).Warn("local storage is full; can't save image")
		return ErrCapacityExceeded
	}

	var path = filepath.Join(c.sessionDir(), name+".png")

	if exists, err := afero.Exists(c.fs, path); err != nil {
		return err
	} else if exists {
		log.WithField("path", path).Warn("image already exists; not overwriting")
		return errors.WithMessage(ErrImageExists, path)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, f.Image()); err != nil {
		metrics.DiskCacheWriteFailuresTotal.Inc()
		return errors.WithMessage(err, "encoding png")
	}

	if err := afero.WriteFile(c.fs, path, buf.Bytes(), 0644); err != nil {
		metrics.DiskCacheWriteFailuresTotal.Inc()
		log.WithFields(log.Fields{"path": path, "err": err}).Warn("failed to write image")
		return err
	}
	c.current += int64(buf.Len())

	metrics.DiskCacheImagesTotal.Inc()
	metrics.DiskCacheBytes.Set(float64(c.current))
	return nil
}

// WriteSessionMetadata writes |metadata| as the JSON session metadata
// document, replacing any prior document. It's a no-op if the Cache is disabled.
func (c *Cache) WriteSessionMetadata(metadata interface{}) error {
	if !c.cfg.Enabled {
		return nil
	}
	var b, err = json.MarshalIndent(metadata, "", "    ")
	if err != nil {
		return errors.WithMessage(err, "encoding session metadata")
	}
	return afero.WriteFile(c.fs, filepath.Join(c.sessionDir(), SessionMetadataName), b, 0644)
}

func (c *Cache) sessionDir() string { return filepath.Join(c.cfg.Path, c.sessionID) }

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return errors.Errorf("invalid image name %q", name)
	}
	return nil
}

var processStarted = time.Now()
