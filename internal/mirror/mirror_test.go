package mirror

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	fail    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeStore) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	if f.fail != nil {
		return f.fail
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	f.types[key] = contentType
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeStore) PublicURL(key string) string { return "https://cdn.test/" + key }

// mp4Header is the start of an ISO base media file, enough for filetype.
var mp4Header = []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'm', 'p', '4', '2', 0x00, 0x00, 0x00, 0x00, 'm', 'p', '4', '2', 'i', 's', 'o', 'm'}

func assetServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.mp4":
			w.Write(mp4Header)
		case "/empty.mp4":
			w.WriteHeader(http.StatusOK)
		case "/auth.mp4":
			if r.Header.Get("x-goog-api-key") != "secret" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.Write(mp4Header)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMirrorSuccess(t *testing.T) {
	srv := assetServer(t)
	store := newFakeStore()
	m := New(store)

	url, err := m.Mirror(context.Background(), srv.URL+"/ok.mp4", "o/v/1/j.mp4")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/o/v/1/j.mp4", url)
	assert.Equal(t, mp4Header, store.objects["o/v/1/j.mp4"])
	assert.Equal(t, "video/mp4", store.types["o/v/1/j.mp4"])
}

func TestMirrorDownloadFailures(t *testing.T) {
	srv := assetServer(t)
	m := New(newFakeStore())

	for _, path := range []string{"/missing.mp4", "/empty.mp4"} {
		_, err := m.Mirror(context.Background(), srv.URL+path, "k")
		assert.True(t, errors.Is(err, ErrDownloadFailed), "%s: got %v", path, err)
	}

	_, err := m.Mirror(context.Background(), "", "k")
	assert.True(t, errors.Is(err, ErrDownloadFailed))
}

func TestMirrorUploadFailure(t *testing.T) {
	srv := assetServer(t)
	store := newFakeStore()
	store.fail = errors.New("bucket gone")
	m := New(store)

	_, err := m.Mirror(context.Background(), srv.URL+"/ok.mp4", "k")
	assert.True(t, errors.Is(err, ErrUploadFailed), "got %v", err)
	assert.False(t, errors.Is(err, ErrDownloadFailed))
}

func TestMirrorAuthorizer(t *testing.T) {
	srv := assetServer(t)
	m := New(newFakeStore(), WithAuthorizer(func(r *http.Request) {
		r.Header.Set("x-goog-api-key", "secret")
	}))

	_, err := m.Mirror(context.Background(), srv.URL+"/auth.mp4", "k")
	require.NoError(t, err)
}
