package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPStore talks to the history endpoints of the collaboration server:
//
//	POST   /collab/{objectId}/history
//	GET    /collab/{objectId}/history
//	GET    /collab/{objectId}/history/{versionId}
//	DELETE /collab/{objectId}/history/{versionId}
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStore returns a store for the server at baseURL. A nil client
// uses one with a 10s timeout.
func NewHTTPStore(baseURL string, client *http.Client) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPStore{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (s *HTTPStore) historyURL(objectID string, versionID ...string) string {
	u := s.baseURL + "/collab/" + url.PathEscape(objectID) + "/history"
	for _, v := range versionID {
		u += "/" + url.PathEscape(v)
	}
	return u
}

func (s *HTTPStore) do(ctx context.Context, method, u string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrVersionNotFound
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, u, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (s *HTTPStore) CreateVersion(ctx context.Context, rec VersionRecord) (VersionRecord, error) {
	var out VersionRecord
	err := s.do(ctx, http.MethodPost, s.historyURL(rec.ObjectID), rec, &out)
	return out, err
}

func (s *HTTPStore) ListVersions(ctx context.Context, objectID string) ([]VersionRecord, error) {
	var out []VersionRecord
	err := s.do(ctx, http.MethodGet, s.historyURL(objectID), nil, &out)
	return out, err
}

func (s *HTTPStore) GetVersion(ctx context.Context, objectID, versionID string) (VersionRecord, error) {
	var out VersionRecord
	err := s.do(ctx, http.MethodGet, s.historyURL(objectID, versionID), nil, &out)
	return out, err
}

func (s *HTTPStore) DeleteVersion(ctx context.Context, objectID, versionID string) error {
	return s.do(ctx, http.MethodDelete, s.historyURL(objectID, versionID), nil, nil)
}
