package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"renderq/config"
)

// ErrInputTooLarge is returned when a downloaded or copied input exceeds the
// configured size limit.
var ErrInputTooLarge = errors.New("input file size exceeds limit")

// ErrInputNotAllowed is returned for local inputs outside the input root.
var ErrInputNotAllowed = errors.New("local input outside the allowed input root")

// HTTPStatusError is a non-200 response while fetching an input.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("failed to download %s, status: %d", e.URL, e.StatusCode)
}

type Runner struct {
	bin          string
	maxInputSize int64
	inputRoot    string
	gate         *Gate
	client       *http.Client
}

func NewRunner(cfg *config.Config, gate *Gate) (*Runner, error) {
	// Ensure ffmpeg binary is executable
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}
	return &Runner{
		bin:          cfg.FFBin,
		maxInputSize: cfg.MaxInputSize,
		inputRoot:    cfg.InputRoot,
		gate:         gate,
		client:       http.DefaultClient,
	}, nil
}

// Run executes ffmpeg with args and returns the combined stdout/stderr.
func (r *Runner) Run(ctx context.Context, args []string) (string, error) {
	if r.gate != nil {
		if err := r.gate.Check(); err != nil {
			return "", err
		}
	}

	cmd := exec.CommandContext(ctx, r.bin, args...)
	var outputBuf bytes.Buffer
	cmd.Stdout = &outputBuf
	cmd.Stderr = &outputBuf

	log.Debug().Str("cmd", cmd.Path+" "+strings.Join(cmd.Args[1:], " ")).Msg("executing ffmpeg")

	err := cmd.Run()
	outputLog := outputBuf.String()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return outputLog, fmt.Errorf("ffmpeg interrupted: %w", ctxErr)
		}
		return outputLog, fmt.Errorf("ffmpeg execution failed: %w: %s", err, tail(outputLog, 512))
	}
	return outputLog, nil
}

// Fetch downloads or copies src into dst, enforcing the input size limit.
func (r *Runner) Fetch(ctx context.Context, src, dst string) (err error) {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &HTTPStatusError{URL: src, StatusCode: resp.StatusCode}
		}

		// Use a LimitedReader to enforce max input size
		limitedReader := &io.LimitedReader{R: resp.Body, N: r.maxInputSize + 1}
		written, err := io.Copy(out, limitedReader)
		if err != nil {
			return fmt.Errorf("failed to write downloaded file: %w", err)
		}
		if written > r.maxInputSize {
			return fmt.Errorf("%w of %d bytes: %s", ErrInputTooLarge, r.maxInputSize, src)
		}
		return nil
	}

	if strings.HasPrefix(src, "data:") {
		return fmt.Errorf("data URI inputs are not supported")
	}

	// Assume input is a local file path
	if err := r.checkLocal(src); err != nil {
		return err
	}
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("could not open local input file: %w", err)
	}
	defer srcFile.Close()

	info, err := srcFile.Stat()
	if err != nil {
		return err
	}
	if info.Size() > r.maxInputSize {
		return fmt.Errorf("%w: %d > %d bytes: %s", ErrInputTooLarge, info.Size(), r.maxInputSize, src)
	}
	if _, err := io.Copy(out, srcFile); err != nil {
		return fmt.Errorf("failed to copy local file: %w", err)
	}
	return nil
}

// checkLocal resolves symlinks on both sides so a link inside the root
// cannot point outside it.
func (r *Runner) checkLocal(src string) error {
	if r.inputRoot == "" {
		return fmt.Errorf("%w: local inputs are disabled: %s", ErrInputNotAllowed, src)
	}
	root, err := filepath.EvalSymlinks(r.inputRoot)
	if err != nil {
		return fmt.Errorf("resolve input root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(src)
	if err != nil {
		return fmt.Errorf("could not open local input file: %w", err)
	}
	if !WithinRoot(root, resolved) {
		return fmt.Errorf("%w: %s", ErrInputNotAllowed, src)
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
