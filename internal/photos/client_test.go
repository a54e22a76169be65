package photos

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photofs/internal/common"
)

func TestListAlbumsPaginates(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/albums", r.URL.Path)
		require.Equal(t, "50", r.URL.Query().Get("pageSize"))

		switch r.URL.Query().Get("pageToken") {
		case "":
			json.NewEncoder(w).Encode(albumsResponse{
				Albums:        []albumJSON{{ID: "a1", Title: "Iceland 2024"}, {ID: "a2", Title: "Peru"}},
				NextPageToken: "page-2",
			})
		case "page-2":
			json.NewEncoder(w).Encode(albumsResponse{
				Albums: []albumJSON{{ID: "a3", Title: "Birthday"}},
			})
		default:
			http.Error(w, "bad token", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), WithEndpoint(srv.URL))
	albums, err := client.ListAlbums(context.Background())
	require.NoError(t, err)

	require.Len(t, albums, 3)
	assert.Equal(t, "a1", albums[0].RemoteID)
	assert.Equal(t, "Iceland 2024", albums[0].DisplayName)
	assert.Equal(t, KindAlbum, albums[0].Kind)
	assert.Equal(t, "a3", albums[2].RemoteID)
}

func TestListAlbumItemsDetectsKinds(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/mediaItems:search", r.URL.Path)

		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "album-1", req.AlbumID)

		json.NewEncoder(w).Encode(mediaItemsResponse{
			MediaItems: []mediaItemJSON{
				{
					ID: "m1", Filename: "IMG_0001.jpg", MimeType: "image/jpeg",
					MediaMetadata: &mediaMetadataJSON{
						CreationTime: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
						Photo:        json.RawMessage(`{}`),
					},
				},
				{
					ID: "m2", Filename: "MOV_0002.mp4", MimeType: "video/mp4",
					MediaMetadata: &mediaMetadataJSON{
						CreationTime: time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC),
						Video:        &videoMetadataJSON{Status: "READY"},
					},
				},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), WithEndpoint(srv.URL))
	items, err := client.ListAlbumItems(context.Background(), "album-1")
	require.NoError(t, err)

	require.Len(t, items, 2)
	assert.Equal(t, KindPhoto, items[0].Kind)
	assert.Equal(t, "IMG_0001.jpg", items[0].DisplayName)
	assert.Equal(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), items[0].CreatedAt)
	assert.Equal(t, KindVideo, items[1].Kind)
}

func TestFetchContentRangeUsesListingURL(t *testing.T) {
	t.Parallel()

	var itemGets int32
	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mediaItems:search":
			json.NewEncoder(w).Encode(mediaItemsResponse{
				MediaItems: []mediaItemJSON{{
					ID: "m1", Filename: "a.jpg", BaseURL: srv.URL + "/blob/m1",
					MediaMetadata: &mediaMetadataJSON{Photo: json.RawMessage(`{}`)},
				}},
			})
		case "/blob/m1=d":
			require.Equal(t, "bytes=10-19", r.Header.Get("Range"))
			w.Header().Set("Content-Range", fmt.Sprintf("bytes 10-19/%d", len(content)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(content[10:20])
		default:
			atomic.AddInt32(&itemGets, 1)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), WithEndpoint(srv.URL))
	_, err := client.ListAlbumItems(context.Background(), "album-1")
	require.NoError(t, err)

	data, total, err := client.FetchContentRange(context.Background(), "m1", 10, 10)
	require.NoError(t, err)
	assert.Equal(t, content[10:20], data)
	assert.Equal(t, int64(len(content)), total)
	assert.Zero(t, atomic.LoadInt32(&itemGets), "listing base URL should be reused")
}

func TestFetchContentRangeVideoVariant(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mediaItems/v1":
			json.NewEncoder(w).Encode(mediaItemJSON{
				ID: "v1", Filename: "clip.mp4", BaseURL: srv.URL + "/blob/v1",
				MediaMetadata: &mediaMetadataJSON{Video: &videoMetadataJSON{Status: "READY"}},
			})
		case "/blob/v1=dv":
			w.Header().Set("Content-Range", "bytes 0-3/4")
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte("mp4!"))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), WithEndpoint(srv.URL))
	data, total, err := client.FetchContentRange(context.Background(), "v1", 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("mp4!"), data)
	assert.Equal(t, int64(4), total)
}

func TestFetchContentRangeFullBodyFallback(t *testing.T) {
	t.Parallel()

	content := []byte("abcdefghijklmnopqrstuvwxyz")
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mediaItems/m1":
			json.NewEncoder(w).Encode(mediaItemJSON{ID: "m1", Filename: "a.jpg", BaseURL: srv.URL + "/blob/m1"})
		case "/blob/m1=d":
			// Ignore the range header entirely.
			w.Write(content)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), WithEndpoint(srv.URL))
	data, total, err := client.FetchContentRange(context.Background(), "m1", 5, 10)
	require.NoError(t, err)
	assert.Equal(t, content[5:15], data)
	assert.Equal(t, int64(len(content)), total)
}

func TestProbeSize(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mediaItems/m1":
			json.NewEncoder(w).Encode(mediaItemJSON{ID: "m1", Filename: "a.jpg", BaseURL: srv.URL + "/blob/m1"})
		case "/blob/m1=d":
			require.Equal(t, "bytes=0-0", r.Header.Get("Range"))
			w.Header().Set("Content-Range", "bytes 0-0/44040192")
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte{0xff})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), WithEndpoint(srv.URL))
	size, err := client.ProbeSize(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(44040192), size)
}

func TestStatusErrorTyping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: common.ErrAuth},
		{name: "forbidden", status: http.StatusForbidden, want: common.ErrAuth},
		{name: "not found", status: http.StatusNotFound, want: common.ErrNotFound},
		{name: "gone", status: http.StatusGone, want: common.ErrNotFound},
		{name: "too many requests", status: http.StatusTooManyRequests, want: common.ErrNetwork},
		{name: "bad gateway", status: http.StatusBadGateway, want: common.ErrNetwork},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := statusError("GET", "/albums", tt.status)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.want != common.ErrAuth && tt.want != common.ErrNotFound, common.IsRetryable(err))
		})
	}
}

func TestAuthFailureNotRetried(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), WithEndpoint(srv.URL))
	_, err := client.ListAlbums(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrAuth)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTransientFailureRetried(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(albumsResponse{Albums: []albumJSON{{ID: "a1", Title: "Recovered"}}})
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), WithEndpoint(srv.URL))
	albums, err := client.ListAlbums(context.Background())
	require.NoError(t, err)
	require.Len(t, albums, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestParseContentRangeTotal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		header string
		want   int64
	}{
		{header: "bytes 0-99/12345", want: 12345},
		{header: "bytes 0-0/1", want: 1},
		{header: "bytes 0-0/*", want: -1},
		{header: "", want: -1},
		{header: "garbage", want: -1},
		{header: "bytes 0-99/", want: -1},
		{header: "bytes 0-99/x", want: -1},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseContentRangeTotal(tt.header), "header %q", tt.header)
	}
}

func TestFetchContentRangeZeroLength(t *testing.T) {
	t.Parallel()

	client := NewClient(http.DefaultClient, WithEndpoint("http://unused.invalid"))
	data, total, err := client.FetchContentRange(context.Background(), "m1", 100, 0)
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Equal(t, int64(-1), total)
}

func TestKindHelpers(t *testing.T) {
	t.Parallel()

	assert.True(t, KindAlbum.IsDir())
	assert.False(t, KindPhoto.IsDir())
	assert.True(t, KindPhoto.IsMedia())
	assert.True(t, KindVideo.IsMedia())
	assert.False(t, KindAlbum.IsMedia())
	assert.Equal(t, "album", KindAlbum.String())
	assert.Equal(t, "video", KindVideo.String())
	assert.Equal(t, "unknown", Kind(0).String())
}
