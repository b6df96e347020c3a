package ffmpeg

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(limit int64) *Runner {
	return &Runner{bin: "ffmpeg", maxInputSize: limit, client: http.DefaultClient}
}

func TestFetch_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			w.Write([]byte("png-bytes"))
		case "/big.png":
			w.Write([]byte(strings.Repeat("x", 64)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r := newTestRunner(32)
	dir := t.TempDir()
	ctx := context.Background()

	dst := filepath.Join(dir, "ok.png")
	require.NoError(t, r.Fetch(ctx, srv.URL+"/ok.png", dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	dst = filepath.Join(dir, "big.png")
	err = r.Fetch(ctx, srv.URL+"/big.png", dst)
	assert.ErrorIs(t, err, ErrInputTooLarge)
	assert.NoFileExists(t, dst)

	err = r.Fetch(ctx, srv.URL+"/missing.png", filepath.Join(dir, "missing.png"))
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestFetch_LocalFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.mp3")
	require.NoError(t, os.WriteFile(src, []byte("audio"), 0644))

	r := newTestRunner(1024)
	r.inputRoot = dir
	dst := filepath.Join(dir, "dst.mp3")
	require.NoError(t, r.Fetch(context.Background(), src, dst))
	assert.FileExists(t, dst)

	err := r.Fetch(context.Background(), filepath.Join(dir, "nope.mp3"), filepath.Join(dir, "x"))
	assert.Error(t, err)

	small := newTestRunner(2)
	small.inputRoot = dir
	err = small.Fetch(context.Background(), src, filepath.Join(dir, "y"))
	assert.ErrorIs(t, err, ErrInputTooLarge)
}

func TestFetch_LocalFileOutsideInputRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("do not publish"), 0644))
	dst := filepath.Join(t.TempDir(), "dst")

	r := newTestRunner(1024)
	err := r.Fetch(context.Background(), secret, dst)
	assert.ErrorIs(t, err, ErrInputNotAllowed, "local inputs are refused without a root")
	assert.NoFileExists(t, dst)

	r.inputRoot = root
	err = r.Fetch(context.Background(), secret, dst)
	assert.ErrorIs(t, err, ErrInputNotAllowed)

	err = r.Fetch(context.Background(), filepath.Join(root, "..", filepath.Base(outside), "secret.txt"), dst)
	assert.ErrorIs(t, err, ErrInputNotAllowed)

	link := filepath.Join(root, "link.txt")
	require.NoError(t, os.Symlink(secret, link))
	err = r.Fetch(context.Background(), link, dst)
	assert.ErrorIs(t, err, ErrInputNotAllowed, "symlinks are resolved before the check")
}

func TestRun_RespectsGate(t *testing.T) {
	r := newTestRunner(1)
	r.gate = &Gate{idleCPU: 50, sample: func(string) Usage {
		return Usage{CPUPercent: 95, FreeMem: 1 << 40, FreeDisk: 1 << 40}
	}}

	_, err := r.Run(context.Background(), []string{"-version"})
	assert.ErrorIs(t, err, ErrInsufficientResources)
}

func TestGate_Check(t *testing.T) {
	var nilGate *Gate
	assert.NoError(t, nilGate.Check())

	usage := Usage{CPUPercent: 10, FreeMem: 1000, FreeDisk: 1000}
	g := &Gate{idleCPU: 50, freeMem: 500, freeDisk: 500, sample: func(string) Usage { return usage }}
	assert.NoError(t, g.Check())

	usage.FreeMem = 100
	assert.ErrorContains(t, g.Check(), "memory")

	usage.FreeMem = 1000
	usage.FreeDisk = 100
	assert.ErrorContains(t, g.Check(), "disk")
}
