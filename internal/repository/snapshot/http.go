package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// SaveRequest is the body of PUT /rooms/{id}/snapshot. The expected version
// travels in the If-Match header.
type SaveRequest struct {
	Nodes json.RawMessage `json:"nodes"`
	Edges json.RawMessage `json:"edges"`
}

// SaveResponse is the body returned by a successful save.
type SaveResponse struct {
	Version Version `json:"version"`
}

// HTTPStore is a client of the relay's snapshot API.
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStore creates a client for the API served at baseURL. A nil client
// selects one with a 10 second timeout.
func NewHTTPStore(baseURL string, client *http.Client) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (s *HTTPStore) roomURL(roomID, suffix string) string {
	return fmt.Sprintf("%s/rooms/%s/%s", s.baseURL, url.PathEscape(roomID), suffix)
}

// LoadRoom implements Store.
func (s *HTTPStore) LoadRoom(ctx context.Context, roomID string) (*Room, error) {
	var room Room
	status, err := s.do(ctx, http.MethodGet, s.roomURL(roomID, "snapshot"), nil, nil, &room)
	if status == http.StatusNotFound {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load room %s", roomID)
	}
	return &room, nil
}

// SaveRoom implements Store.
func (s *HTTPStore) SaveRoom(ctx context.Context, roomID string, nodesJSON, edgesJSON json.RawMessage, expected Version) (Version, error) {
	header := http.Header{}
	header.Set("If-Match", strconv.FormatUint(uint64(expected), 10))

	var resp SaveResponse
	status, err := s.do(ctx, http.MethodPut, s.roomURL(roomID, "snapshot"), header, SaveRequest{Nodes: nodesJSON, Edges: edgesJSON}, &resp)
	if status == http.StatusConflict {
		return 0, ErrVersionConflict
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to save room %s", roomID)
	}
	return resp.Version, nil
}

// ListImages implements Store.
func (s *HTTPStore) ListImages(ctx context.Context, roomID string) ([]Image, error) {
	var images []Image
	if _, err := s.do(ctx, http.MethodGet, s.roomURL(roomID, "images"), nil, nil, &images); err != nil {
		return nil, errors.Wrapf(err, "failed to list images of room %s", roomID)
	}
	return images, nil
}

// PutImage implements Store.
func (s *HTTPStore) PutImage(ctx context.Context, img Image) error {
	_, err := s.do(ctx, http.MethodPost, s.roomURL(img.RoomID, "images"), nil, img, nil)
	return errors.Wrapf(err, "failed to save image %s", img.ID)
}

func (s *HTTPStore) do(ctx context.Context, method, target string, header http.Header, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return resp.StatusCode, errors.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, errors.Wrap(err, "failed to decode response")
		}
	}
	return resp.StatusCode, nil
}
