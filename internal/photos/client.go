// Copyright 2025 PhotoFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package photos implements the remote catalog client: album and media
// listing plus ranged content download against the Google Photos Library
// API, with OAuth2 token handling.
package photos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
	log "github.com/sirupsen/logrus"

	"photofs/internal/common"
	"photofs/internal/util"
)

const (
	// DefaultEndpoint is the production Library API base URL.
	DefaultEndpoint = "https://photoslibrary.googleapis.com/v1"

	// DefaultPageSize is the page size used for listing calls.
	DefaultPageSize = 50

	// baseURLTTL is how long a download base URL from a listing or item
	// get is trusted before being refreshed. The service documents roughly
	// sixty minutes; refresh a little early.
	baseURLTTL = 45 * time.Minute
)

// Client talks to the remote catalog service. All listing calls paginate
// internally and return complete result sets. Transient failures are
// retried with capped backoff; auth and not-found failures are returned
// immediately, typed with the sentinel kinds in internal/common.
type Client struct {
	http     *http.Client
	endpoint string
	pageSize int
	clock    timeutil.Clock

	mu   sync.Mutex
	urls map[string]cachedURL
}

type cachedURL struct {
	base    string
	video   bool
	fetched time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the API base URL. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = strings.TrimRight(endpoint, "/") }
}

// WithPageSize overrides the listing page size.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithClock overrides the clock used for base URL expiry.
func WithClock(clock timeutil.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// NewClient returns a catalog client using the given HTTP client, which is
// expected to carry OAuth2 credentials (see NewHTTPClient).
func NewClient(httpClient *http.Client, opts ...Option) *Client {
	c := &Client{
		http:     httpClient,
		endpoint: DefaultEndpoint,
		pageSize: DefaultPageSize,
		clock:    timeutil.RealClock(),
		urls:     make(map[string]cachedURL),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Wire shapes for the Library API.

type albumJSON struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	MediaItemsCount string `json:"mediaItemsCount"`
}

type albumsResponse struct {
	Albums        []albumJSON `json:"albums"`
	NextPageToken string      `json:"nextPageToken"`
}

type videoMetadataJSON struct {
	Status string `json:"status"`
}

type mediaMetadataJSON struct {
	CreationTime time.Time          `json:"creationTime"`
	Photo        json.RawMessage    `json:"photo,omitempty"`
	Video        *videoMetadataJSON `json:"video,omitempty"`
}

type mediaItemJSON struct {
	ID            string             `json:"id"`
	Filename      string             `json:"filename"`
	MimeType      string             `json:"mimeType"`
	BaseURL       string             `json:"baseUrl"`
	MediaMetadata *mediaMetadataJSON `json:"mediaMetadata"`
}

type mediaItemsResponse struct {
	MediaItems    []mediaItemJSON `json:"mediaItems"`
	NextPageToken string          `json:"nextPageToken"`
}

type searchRequest struct {
	AlbumID   string `json:"albumId"`
	PageSize  int    `json:"pageSize"`
	PageToken string `json:"pageToken,omitempty"`
}

func (a albumJSON) entity() Entity {
	return Entity{
		RemoteID:    a.ID,
		Kind:        KindAlbum,
		DisplayName: a.Title,
	}
}

func (m mediaItemJSON) entity() Entity {
	e := Entity{
		RemoteID:    m.ID,
		Kind:        KindPhoto,
		DisplayName: m.Filename,
		MimeType:    m.MimeType,
		BaseURL:     m.BaseURL,
	}
	if m.MediaMetadata != nil {
		e.CreatedAt = m.MediaMetadata.CreationTime
		e.ModifiedAt = m.MediaMetadata.CreationTime
		if m.MediaMetadata.Video != nil {
			e.Kind = KindVideo
		}
	}
	return e
}

// ListAlbums returns every album in the library.
func (c *Client) ListAlbums(ctx context.Context) ([]Entity, error) {
	var out []Entity
	token := ""
	for {
		var page albumsResponse
		q := url.Values{"pageSize": {strconv.Itoa(c.pageSize)}}
		if token != "" {
			q.Set("pageToken", token)
		}
		if err := c.getJSON(ctx, "/albums?"+q.Encode(), &page); err != nil {
			return nil, fmt.Errorf("list albums: %w", err)
		}
		for _, a := range page.Albums {
			out = append(out, a.entity())
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		token = page.NextPageToken
	}
}

// ListAlbumItems returns every media item in the given album.
func (c *Client) ListAlbumItems(ctx context.Context, albumID string) ([]Entity, error) {
	var out []Entity
	token := ""
	for {
		req := searchRequest{AlbumID: albumID, PageSize: c.pageSize, PageToken: token}
		var page mediaItemsResponse
		if err := c.postJSON(ctx, "/mediaItems:search", req, &page); err != nil {
			return nil, fmt.Errorf("list album %s items: %w", albumID, err)
		}
		out = c.absorbItems(out, page.MediaItems)
		if page.NextPageToken == "" {
			return out, nil
		}
		token = page.NextPageToken
	}
}

// ListLibrary returns every media item in the library, album membership
// aside.
func (c *Client) ListLibrary(ctx context.Context) ([]Entity, error) {
	var out []Entity
	token := ""
	for {
		var page mediaItemsResponse
		q := url.Values{"pageSize": {strconv.Itoa(c.pageSize)}}
		if token != "" {
			q.Set("pageToken", token)
		}
		if err := c.getJSON(ctx, "/mediaItems?"+q.Encode(), &page); err != nil {
			return nil, fmt.Errorf("list library: %w", err)
		}
		out = c.absorbItems(out, page.MediaItems)
		if page.NextPageToken == "" {
			return out, nil
		}
		token = page.NextPageToken
	}
}

// absorbItems converts a page of wire items and remembers their base URLs
// so a download shortly after a listing avoids an extra item get.
func (c *Client) absorbItems(out []Entity, items []mediaItemJSON) []Entity {
	now := c.clock.Now()
	c.mu.Lock()
	for _, m := range items {
		e := m.entity()
		if e.BaseURL != "" {
			c.urls[e.RemoteID] = cachedURL{base: e.BaseURL, video: e.Kind == KindVideo, fetched: now}
		}
		out = append(out, e)
	}
	c.mu.Unlock()
	return out
}

// GetMediaItem fetches a single media item by id.
func (c *Client) GetMediaItem(ctx context.Context, id string) (Entity, error) {
	var item mediaItemJSON
	if err := c.getJSON(ctx, "/mediaItems/"+url.PathEscape(id), &item); err != nil {
		return Entity{}, fmt.Errorf("get media item %s: %w", id, err)
	}
	e := item.entity()
	if e.BaseURL != "" {
		c.mu.Lock()
		c.urls[e.RemoteID] = cachedURL{base: e.BaseURL, video: e.Kind == KindVideo, fetched: c.clock.Now()}
		c.mu.Unlock()
	}
	return e, nil
}

// FetchContentRange downloads length bytes of the item's content starting
// at offset. The returned total is the full object size when the server
// reports it, -1 otherwise. Short reads at end of object are not errors.
func (c *Client) FetchContentRange(ctx context.Context, id string, offset, length int64) (data []byte, total int64, err error) {
	if length <= 0 {
		return nil, -1, nil
	}
	base, video, err := c.downloadURL(ctx, id)
	if err != nil {
		return nil, -1, err
	}

	// Videos download through the =dv variant, photos through =d.
	target := base + "=d"
	if video {
		target = base + "=dv"
	}

	type rangedResult struct {
		data  []byte
		total int64
	}
	res, err := util.RetryWithResult(ctx, func() (rangedResult, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return rangedResult{}, err
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		resp, err := c.http.Do(req)
		if err != nil {
			return rangedResult{}, typedTransportError(ctx, err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusPartialContent:
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return rangedResult{}, typedTransportError(ctx, err)
			}
			return rangedResult{data: body, total: parseContentRangeTotal(resp.Header.Get("Content-Range"))}, nil
		case http.StatusOK:
			// Server ignored the range header and sent the whole object.
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return rangedResult{}, typedTransportError(ctx, err)
			}
			full := int64(len(body))
			if offset >= full {
				return rangedResult{data: nil, total: full}, nil
			}
			end := offset + length
			if end > full {
				end = full
			}
			return rangedResult{data: body[offset:end], total: full}, nil
		case http.StatusRequestedRangeNotSatisfiable:
			return rangedResult{data: nil, total: parseContentRangeTotal(resp.Header.Get("Content-Range"))}, nil
		default:
			return rangedResult{}, statusError("GET", target, resp.StatusCode)
		}
	}, util.NetworkRetryOptions(ctx)...)
	if err != nil {
		return nil, -1, fmt.Errorf("fetch %s [%d,+%d): %w", id, offset, length, err)
	}
	return res.data, res.total, nil
}

// ProbeSize learns the byte size of an item with a one-byte ranged get.
func (c *Client) ProbeSize(ctx context.Context, id string) (int64, error) {
	_, total, err := c.FetchContentRange(ctx, id, 0, 1)
	if err != nil {
		return 0, err
	}
	if total < 0 {
		return 0, fmt.Errorf("probe %s: %w: server did not report a total size", id, common.ErrNetwork)
	}
	return total, nil
}

// downloadURL returns a current base URL for the item, refreshing through
// an item get when the cached one is missing or expired.
func (c *Client) downloadURL(ctx context.Context, id string) (string, bool, error) {
	c.mu.Lock()
	entry, ok := c.urls[id]
	c.mu.Unlock()
	if ok && c.clock.Now().Sub(entry.fetched) < baseURLTTL {
		return entry.base, entry.video, nil
	}

	e, err := c.GetMediaItem(ctx, id)
	if err != nil {
		return "", false, err
	}
	if e.BaseURL == "" {
		return "", false, fmt.Errorf("media item %s: %w: no download URL", id, common.ErrNotFound)
	}
	return e.BaseURL, e.Kind == KindVideo, nil
}

// InvalidateURL drops the cached base URL for an item. Called after a
// download fails with an expired-URL style failure.
func (c *Client) InvalidateURL(id string) {
	c.mu.Lock()
	delete(c.urls, id)
	c.mu.Unlock()
}

// getJSON performs a GET against the API endpoint and decodes the response,
// retrying transient failures.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	return util.Retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
		if err != nil {
			return err
		}
		return c.doJSON(ctx, req, out)
	}, util.NetworkRetryOptions(ctx)...)
}

// postJSON performs a POST with a JSON body and decodes the response,
// retrying transient failures. The search endpoint is read-only so the
// retry is safe.
func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return util.Retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.doJSON(ctx, req, out)
	}, util.NetworkRetryOptions(ctx)...)
}

func (c *Client) doJSON(ctx context.Context, req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return typedTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little for connection reuse before classifying.
		io.CopyN(io.Discard, resp.Body, 4096)
		return statusError(req.Method, req.URL.Path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

// statusError maps an HTTP status to a typed sentinel error.
func statusError(method, path string, status int) error {
	var kind error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = common.ErrAuth
	case status == http.StatusNotFound || status == http.StatusGone:
		kind = common.ErrNotFound
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		kind = common.ErrNetwork
	default:
		kind = common.ErrNetwork
		log.Debugf("unexpected status %d from %s %s", status, method, path)
	}
	return fmt.Errorf("%s %s: status %d: %w", method, path, status, kind)
}

// typedTransportError maps a transport-level failure to a sentinel error.
func typedTransportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%v: %w", err, common.ErrTimeout)
	default:
		var timeoutErr interface{ Timeout() bool }
		if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
			return fmt.Errorf("%v: %w", err, common.ErrTimeout)
		}
		return fmt.Errorf("%v: %w", err, common.ErrNetwork)
	}
}

// parseContentRangeTotal extracts the total size from a Content-Range
// header ("bytes 0-99/12345"), returning -1 when absent or unparseable.
func parseContentRangeTotal(header string) int64 {
	if header == "" {
		return -1
	}
	idx := strings.LastIndexByte(header, '/')
	if idx < 0 || idx == len(header)-1 {
		return -1
	}
	totalPart := header[idx+1:]
	if totalPart == "*" {
		return -1
	}
	total, err := strconv.ParseInt(totalPart, 10, 64)
	if err != nil {
		return -1
	}
	return total
}
