package storage

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jobrunner/shapeview/internal/domain"
	"github.com/jobrunner/shapeview/internal/ports/output"
)

// HTTPStorage reads layer files published on a web server. The server lists
// them in an index file, one key per line.
type HTTPStorage struct {
	client    *http.Client
	baseURL   string
	indexFile string
	username  string
	password  string
}

// HTTPConfig holds HTTP storage configuration.
type HTTPConfig struct {
	BaseURL   string
	IndexFile string // default: index.txt
	Timeout   time.Duration
	Username  string
	Password  string
}

// NewHTTPStorage creates a new HTTP storage adapter.
func NewHTTPStorage(cfg HTTPConfig) *HTTPStorage {
	if cfg.IndexFile == "" {
		cfg.IndexFile = "index.txt"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}

	return &HTTPStorage{
		client:    &http.Client{Timeout: cfg.Timeout},
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		indexFile: cfg.IndexFile,
		username:  cfg.Username,
		password:  cfg.Password,
	}
}

// List returns the layer files named in the index file.
func (s *HTTPStorage) List(ctx context.Context) ([]output.StorageObject, error) {
	resp, err := s.do(ctx, http.MethodGet, s.indexFile)
	if err != nil {
		return nil, fmt.Errorf("fetching index file: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("index file returned status %d", resp.StatusCode)
	}

	objects, err := parseLayerIndex(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading index file: %w", err)
	}
	return objects, nil
}

// parseLayerIndex reads an index file. Blank lines and lines starting with #
// are skipped; anything after the key on a line is ignored. Keys that are not
// layer files or that leave the base URL are dropped.
func parseLayerIndex(r io.Reader) ([]output.StorageObject, error) {
	set := newLayerSet()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		key := strings.TrimPrefix(fields[0], "./")
		if !safeKey(key) {
			continue
		}
		set.add(output.StorageObject{Key: key})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return set.sorted(), nil
}

// GetReader downloads a layer file.
func (s *HTTPStorage) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.do(ctx, http.MethodGet, key)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", key, domain.ErrNotFound)
	default:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d for %s", resp.StatusCode, key)
	}
}

// Exists checks for a layer file with a HEAD request.
func (s *HTTPStorage) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := s.do(ctx, http.MethodHead, key)
	if err != nil {
		return false, err
	}
	_ = resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("HTTP %d for %s", resp.StatusCode, key)
	}
}

// Upload is not supported: the HTTP backend is read-only.
func (s *HTTPStorage) Upload(_ context.Context, key string, _ io.Reader, _ int64, _ string) error {
	return fmt.Errorf("%s: %w", key, domain.ErrStorageReadOnly)
}

// do sends an authenticated request for key below the base URL.
func (s *HTTPStorage) do(ctx context.Context, method, key string) (*http.Response, error) {
	fileURL, err := s.objectURL(key)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, fileURL, nil)
	if err != nil {
		return nil, err
	}
	if s.username != "" && s.password != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	return s.client.Do(req)
}

// objectURL escapes each segment of key and appends it to the base URL.
func (s *HTTPStorage) objectURL(key string) (string, error) {
	if !safeKey(key) {
		return "", &domain.ValidationError{
			Field:      "key",
			Value:      key,
			Constraint: "inside storage root",
			Message:    "key escapes the base URL",
		}
	}
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return s.baseURL + "/" + strings.Join(parts, "/"), nil
}
