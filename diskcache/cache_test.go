package diskcache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/png"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.openblok.dev/framepipe/frame"
)

func TestAddImageWritesSessionScopedPNG(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var started = time.Unix(1700000000, 0)

	var c, err = New(fs, Config{Enabled: true, Path: "/cache", MaxSizeGB: 1}, started)
	require.NoError(t, err)
	require.Equal(t, "1700000000", c.SessionID())
	require.Equal(t, int64(0), c.CurrentSize())

	var f = gradient(4, 6)
	require.NoError(t, c.AddImage(f, "rotated-0001"))

	var path = filepath.Join("/cache", "1700000000", "rotated-0001.png")
	b, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	require.Equal(t, int64(len(b)), c.CurrentSize())

	// The image decodes to the same pixels.
	img, err := png.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	require.True(t, f.Equal(frame.FromImage(img)))
}

func TestImagesAreWriteOnce(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var c, err = New(fs, Config{Enabled: true, Path: "/cache", MaxSizeGB: 1}, time.Unix(7, 0))
	require.NoError(t, err)

	require.NoError(t, c.AddImage(gradient(4, 6), "roi-1"))
	var size = c.CurrentSize()
	b, err := afero.ReadFile(fs, "/cache/7/roi-1.png")
	require.NoError(t, err)

	err = c.AddImage(gradient(8, 8), "roi-1")
	require.Equal(t, ErrImageExists, errors.Cause(err))
	require.EqualError(t, err, "/cache/7/roi-1.png: image already exists")
	require.Equal(t, size, c.CurrentSize())

	// The original image is untouched.
	b2, err := afero.ReadFile(fs, "/cache/7/roi-1.png")
	require.NoError(t, err)
	require.Equal(t, b, b2)
}

func TestSizeIsRecomputedFromExistingFiles(t *testing.T) {
	var fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cache/100/a.png", make([]byte, 300), 0644))
	require.NoError(t, afero.WriteFile(fs, "/cache/200/b.png", make([]byte, 700), 0644))
	require.NoError(t, afero.WriteFile(fs, "/cache/200/metadata.json", make([]byte, 24), 0644))

	var c, err = New(fs, Config{Enabled: true, Path: "/cache", MaxSizeGB: 1}, time.Unix(300, 0))
	require.NoError(t, err)
	require.Equal(t, int64(1024), c.CurrentSize())
}

func TestSessionDirectoryIsNeverReused(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var cfg = Config{Enabled: true, Path: "/cache", MaxSizeGB: 1}
	var started = time.Unix(42, 0)

	var c1, err = New(fs, cfg, started)
	require.NoError(t, err)
	c2, err := New(fs, cfg, started)
	require.NoError(t, err)

	require.Equal(t, "42", c1.SessionID())
	require.NotEqual(t, c1.SessionID(), c2.SessionID())
	require.Regexp(t, `^42-\d+$`, c2.SessionID())

	// A third process of the same start time also gets its own session.
	c3, err := New(fs, cfg, started)
	require.NoError(t, err)
	require.Equal(t, c2.SessionID()+"-1", c3.SessionID())

	exists, err := afero.DirExists(fs, filepath.Join("/cache", c2.SessionID()))
	require.NoError(t, err)
	require.True(t, exists)
}

func TestImagesAreDroppedAtCapacity(t *testing.T) {
	var fs = afero.NewMemMapFs()
	// A capacity of 1KiB.
	var cfg = Config{Enabled: true, Path: "/cache", MaxSizeGB: 1.0 / (1 << 20)}
	require.Equal(t, int64(1024), cfg.Capacity())

	require.NoError(t, afero.WriteFile(fs, "/cache/old/a.png", make([]byte, 1000), 0644))
	var c, err = New(fs, cfg, time.Unix(1, 0))
	require.NoError(t, err)

	// Under capacity: written, even though the write overshoots it.
	require.NoError(t, c.AddImage(gradient(8, 8), "first"))
	var size = c.CurrentSize()
	require.True(t, size > 1024)

	// At or over capacity: dropped, and size is unchanged.
	require.Equal(t, ErrCapacityExceeded, c.AddImage(gradient(8, 8), "second"))
	require.Equal(t, size, c.CurrentSize())

	exists, err := afero.Exists(fs, "/cache/1/second.png")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestDisabledCacheIsNoOp(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var c, err = New(fs, Config{Enabled: false, Path: "/cache", MaxSizeGB: 1}, time.Unix(1, 0))
	require.NoError(t, err)

	require.NoError(t, c.AddImage(gradient(2, 2), "frame"))
	require.NoError(t, c.WriteSessionMetadata(map[string]string{"stage": "rotate"}))

	exists, err := afero.DirExists(fs, "/cache")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestInvalidImageNames(t *testing.T) {
	var c, err = New(afero.NewMemMapFs(), Config{Enabled: true, Path: "/cache", MaxSizeGB: 1}, time.Unix(1, 0))
	require.NoError(t, err)

	for _, name := range []string{"", ".", "..", "a/b", `a\b`} {
		require.EqualError(t, c.AddImage(gradient(2, 2), name), fmt.Sprintf("invalid image name %q", name))
	}
}

func TestSessionMetadataIsOverwritten(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var c, err = New(fs, Config{Enabled: true, Path: "/cache", MaxSizeGB: 1}, time.Unix(7, 0))
	require.NoError(t, err)

	require.NoError(t, c.WriteSessionMetadata(map[string]interface{}{"stage": "rotate", "workers": 4}))
	require.NoError(t, c.WriteSessionMetadata(map[string]interface{}{"stage": "extract-roi"}))

	b, err := afero.ReadFile(fs, "/cache/7/metadata.json")
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &doc))
	require.Equal(t, map[string]interface{}{"stage": "extract-roi"}, doc)
}

func TestSharedIsInitializedOnce(t *testing.T) {
	var c1, err = Shared(Config{Enabled: false})
	require.NoError(t, err)
	c2, err := Shared(Config{Enabled: true, Path: t.TempDir(), MaxSizeGB: 1})
	require.NoError(t, err)

	require.True(t, c1 == c2)
	require.Equal(t, strconv.FormatInt(processStarted.Unix(), 10), c1.SessionID())
	// The second Config was ignored.
	require.NoError(t, c2.AddImage(gradient(1, 1), "ignored"))
	require.Equal(t, int64(0), c2.CurrentSize())
}

func gradient(h, w int) frame.Frame {
	var f = frame.New(h, w)
	for i := range f.Pix {
		f.Pix[i] = byte(i * 7)
	}
	return f
}
