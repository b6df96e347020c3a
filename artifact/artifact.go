// Package artifact stores finished renders and hands out their URLs.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

var ErrInvalidKey = errors.New("invalid artifact key")

// Sink receives final artifacts. Implementations must be safe for
// concurrent use.
type Sink interface {
	Upload(ctx context.Context, data io.Reader, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// LocalSink writes artifacts to a directory served by GET /files/:filename.
type LocalSink struct {
	dir     string
	baseURL string
}

func NewLocalSink(dir, baseURL string) (*LocalSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create output directory: %w", err)
	}
	return &LocalSink{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *LocalSink) Dir() string { return s.dir }

// Upload copies data to key and returns the public URL. The file is written
// under a temporary name and renamed so readers never see a partial file.
func (s *LocalSink) Upload(ctx context.Context, data io.Reader, key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(s.dir, "."+key+".*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write artifact %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, key)); err != nil {
		return "", fmt.Errorf("publish artifact %s: %w", key, err)
	}

	log.Debug().Str("key", key).Msg("artifact stored")
	return s.URL(key), nil
}

func (s *LocalSink) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.dir, key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// URL is the public address of key.
func (s *LocalSink) URL(key string) string {
	return s.baseURL + "/files/" + key
}

// Path resolves a requested filename inside the output directory.
func (s *LocalSink) Path(filename string) (string, error) {
	// Security: Prevent path traversal
	if err := checkKey(filename); err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.dir, filename)
	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return "", fmt.Errorf("file not found")
	}
	return fullPath, nil
}

func checkKey(key string) error {
	if key == "" || key == "." || key == ".." || filepath.Base(key) != key || strings.HasPrefix(key, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
