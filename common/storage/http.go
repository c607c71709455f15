package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chainworks/cascade/common/models"
)

// httpRetries is how many times transient failures are retried
const httpRetries = 2

// HTTPFileStore talks to an external file service:
//
//	GET {base}/api/v1/programs/{id}/versions/{version}/manifest
//	GET {base}/api/v1/files/{key}
//
// 5xx and transport errors are retried with linear backoff; 404 maps to
// NotFound in the engine taxonomy.
type HTTPFileStore struct {
	baseURL string
	client  *http.Client
	logger  Logger
}

// NewHTTPFileStore creates a file store backed by an HTTP file service
func NewHTTPFileStore(baseURL string, timeout time.Duration, logger Logger) *HTTPFileStore {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFileStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// ListProgramFiles implements FileStore
func (s *HTTPFileStore) ListProgramFiles(ctx context.Context, programID, versionID string) ([]ProgramFile, error) {
	if versionID == "" {
		versionID = DefaultVersion
	}
	path := fmt.Sprintf("/api/v1/programs/%s/versions/%s/manifest",
		url.PathEscape(programID), url.PathEscape(versionID))

	body, err := s.get(ctx, path)
	if err != nil {
		return nil, err
	}

	var files []ProgramFile
	if err := json.Unmarshal(body, &files); err != nil {
		return nil, fmt.Errorf("failed to decode program manifest: %w", err)
	}
	return files, nil
}

// GetFileContent implements FileStore
func (s *HTTPFileStore) GetFileContent(ctx context.Context, key string) ([]byte, error) {
	return s.get(ctx, "/api/v1/files/"+url.PathEscape(key))
}

// get fetches one resource, retrying transient failures
func (s *HTTPFileStore) get(ctx context.Context, path string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= httpRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
			}
			s.logger.Debug("retrying file service request", "path", path, "attempt", attempt)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if readErr != nil {
				lastErr = readErr
				continue
			}
			return body, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, models.NewError(models.ErrNotFound, "file service has no %s", path)
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("file service returned %d", resp.StatusCode)
			continue
		default:
			return nil, fmt.Errorf("file service returned %d for %s", resp.StatusCode, path)
		}
	}

	return nil, fmt.Errorf("file service unreachable after %d attempts: %w", httpRetries+1, lastErr)
}
