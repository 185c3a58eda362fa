package services

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// AudioCache stores speech synthesized by self-hosted backends so it can be played back by
// URL. Files are named by random ids and addressed as baseURL + name.
type AudioCache struct {
	dir     string
	baseURL string
}

// NewAudioCache creates the cache directory if needed. baseURL is either an HTTP path prefix
// served by the web presentation (for example "/audio/") or empty, in which case file URLs are
// returned.
func NewAudioCache(dir, baseURL string) (AudioCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return AudioCache{}, fmt.Errorf("error creating audio cache dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return AudioCache{}, fmt.Errorf("error resolving audio cache dir: %w", err)
	}
	return AudioCache{dir: abs, baseURL: baseURL}, nil
}

// Dir returns the directory the cache writes to.
func (c AudioCache) Dir() string {
	return c.dir
}

// Save copies r into a new file with the given extension and returns its URL.
func (c AudioCache) Save(r io.Reader, ext string) (string, error) {
	name := uuid.New().String() + "." + strings.TrimPrefix(ext, ".")
	path := filepath.Join(c.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("error creating audio file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("error writing audio file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("error closing audio file: %w", err)
	}

	if c.baseURL == "" {
		return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(), nil
	}
	return strings.TrimSuffix(c.baseURL, "/") + "/" + name, nil
}
