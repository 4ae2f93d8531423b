package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/sceneforge/internal/compose"
	"github.com/bobarin/sceneforge/internal/db"
	"github.com/bobarin/sceneforge/internal/models"
	"github.com/bobarin/sceneforge/internal/pipeline"
	"github.com/bobarin/sceneforge/internal/provider"
	"github.com/bobarin/sceneforge/internal/sweep"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAPIKey      = "backend-key"
	testSweepSecret = "sweep-secret"
	testOwner       = "owner-a"
)

// stubProvider reports every job as processing until done is set.
type stubProvider struct {
	mu   sync.Mutex
	done bool
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Submit(ctx context.Context, req provider.Request) (string, error) {
	return "pred-" + req.Prompt, nil
}

func (s *stubProvider) Poll(ctx context.Context, jobID string) (*provider.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return &provider.Prediction{Status: provider.StatusSucceeded, Output: "https://provider.test/" + jobID + ".mp4"}, nil
	}
	return &provider.Prediction{Status: provider.StatusProcessing}, nil
}

func (s *stubProvider) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
}

type stubMirror struct{}

func (stubMirror) Mirror(ctx context.Context, sourceURL, key string) (string, error) {
	return "https://cdn.test/" + key, nil
}

func (stubMirror) Delete(ctx context.Context, key string) error { return nil }

type testServer struct {
	*httptest.Server
	provider *stubProvider
	store    *db.Memory
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	return setupTestServerWithOrigins(t, "")
}

func setupTestServerWithOrigins(t *testing.T, origins string) *testServer {
	t.Helper()

	store := db.NewMemory()
	prov := &stubProvider{}
	p := pipeline.New(store, prov, stubMirror{}, pipeline.Config{PollInterval: time.Second, PollMaxAttempts: 60})
	engine := compose.New(compose.Config{WorkDir: t.TempDir(), MinSegmentBytes: 1024})
	sweeper := sweep.New(store, stubMirror{})

	h := NewHandler(p, engine, nil, sweeper)
	h.streamInterval = 10 * time.Millisecond

	router := NewRouter(h, RouterConfig{
		BackendAPIKey:      testAPIKey,
		CorsAllowedOrigins: origins,
		SweepSecret:        testSweepSecret,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, provider: prov, store: store}
}

func (s *testServer) do(t *testing.T, method, path, owner string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testAPIKey)
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (s *testServer) createVideo(t *testing.T, prompts ...string) models.GenerateVideoResponse {
	t.Helper()
	req := models.GenerateVideoRequest{Title: "test"}
	for _, p := range prompts {
		req.Scenes = append(req.Scenes, models.SceneSpec{Prompt: p})
	}
	resp := s.do(t, http.MethodPost, "/v1/videos", testOwner, req)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	return decode[models.GenerateVideoResponse](t, resp)
}

func TestHealth(t *testing.T) {
	srv := setupTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth(t *testing.T) {
	srv := setupTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/videos")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/videos", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/v1/videos", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "owner header is required")
}

func TestGenerateAndCheckStatus(t *testing.T) {
	srv := setupTestServer(t)
	created := srv.createVideo(t, "a", "b", "c")

	assert.Len(t, created.SceneJobIDs, 3)
	assert.Equal(t, models.VideoStatusProcessing, created.Status)

	path := "/v1/videos/" + created.VideoID.String() + "/status"
	status := decode[models.VideoStatusResponse](t, srv.do(t, http.MethodGet, path, testOwner, nil))
	assert.True(t, status.Polling)
	assert.Equal(t, models.VideoStatusProcessing, status.Video.Status)

	srv.provider.finish()
	status = decode[models.VideoStatusResponse](t, srv.do(t, http.MethodGet, path, testOwner, nil))
	assert.False(t, status.Polling)
	assert.Equal(t, models.VideoStatusCompleted, status.Video.Status)
	for _, s := range status.Video.Scenes {
		assert.True(t, strings.HasPrefix(s.VideoURL, "https://cdn.test/"))
	}

	list := decode[models.ListVideosResponse](t, srv.do(t, http.MethodGet, "/v1/videos", testOwner, nil))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, 3, list.Videos[0].SceneCount)
}

func TestOtherOwnerGetsNotFound(t *testing.T) {
	srv := setupTestServer(t)
	created := srv.createVideo(t, "a")

	for _, path := range []string{
		"/v1/videos/" + created.VideoID.String(),
		"/v1/videos/" + created.VideoID.String() + "/status",
	} {
		resp := srv.do(t, http.MethodGet, path, "owner-b", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}

	resp := srv.do(t, http.MethodDelete, "/v1/videos/"+created.VideoID.String(), "owner-b", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateVideoValidation(t *testing.T) {
	srv := setupTestServer(t)

	resp := srv.do(t, http.MethodPost, "/v1/videos", testOwner, models.GenerateVideoRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/videos", strings.NewReader("{"))
	req.Header.Set("X-API-Key", testAPIKey)
	req.Header.Set("X-Owner-ID", testOwner)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)

	resp = srv.do(t, http.MethodGet, "/v1/videos/not-a-uuid", testOwner, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSceneEdits(t *testing.T) {
	srv := setupTestServer(t)
	created := srv.createVideo(t, "a", "b")
	base := "/v1/videos/" + created.VideoID.String()

	video := decode[models.Video](t, srv.do(t, http.MethodGet, base, testOwner, nil))
	first, second := video.Scenes[0].ID, video.Scenes[1].ID

	resp := srv.do(t, http.MethodPatch, base+"/scenes/"+first.String(), testOwner, map[string]string{"narration": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", decode[models.Video](t, resp).Scenes[0].Narration)

	resp = srv.do(t, http.MethodPut, base+"/scenes/order", testOwner, map[string]interface{}{"order": []string{second.String(), first.String()}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reordered := decode[models.Video](t, resp)
	assert.Equal(t, second, reordered.Scenes[0].ID)
	assert.Equal(t, 1, reordered.Scenes[0].SceneNumber)

	resp = srv.do(t, http.MethodPut, base+"/scenes/order", testOwner, map[string]interface{}{"order": []string{first.String()}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, base+"/scenes/"+first.String()+"/regenerate", testOwner, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "job still in flight")

	resp = srv.do(t, http.MethodDelete, base+"/scenes/"+second.String(), testOwner, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[models.Video](t, resp).Scenes, 1)

	resp = srv.do(t, http.MethodDelete, base+"/scenes/"+second.String(), testOwner, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = srv.do(t, http.MethodDelete, base, testOwner, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRegenerateAfterCompletion(t *testing.T) {
	srv := setupTestServer(t)
	created := srv.createVideo(t, "a")
	base := "/v1/videos/" + created.VideoID.String()

	srv.provider.finish()
	status := decode[models.VideoStatusResponse](t, srv.do(t, http.MethodGet, base+"/status", testOwner, nil))
	sceneID := status.Video.Scenes[0].ID

	resp := srv.do(t, http.MethodPost, base+"/scenes/"+sceneID.String()+"/regenerate", testOwner, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	job := decode[models.SceneJob](t, resp)
	assert.Equal(t, sceneID, job.SceneID)
	assert.NotEqual(t, created.SceneJobIDs[0], job.ID)
}

func TestSweepEndpoints(t *testing.T) {
	srv := setupTestServer(t)
	srv.createVideo(t, "a")

	resp, err := http.Post(srv.URL+"/v1/sweep", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/sweep", nil)
	req.Header.Set("Authorization", "Bearer "+testSweepSecret)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	counters := decode[sweep.Counters](t, resp)
	assert.True(t, counters.DryRun)
	assert.Equal(t, 1, counters.VideosScanned)
}

func TestPlanWithoutPlanner(t *testing.T) {
	srv := setupTestServer(t)
	resp := srv.do(t, http.MethodPost, "/v1/plan", testOwner, map[string]string{"story": "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestComposeWithoutPlayableScenes(t *testing.T) {
	srv := setupTestServer(t)
	created := srv.createVideo(t, "a")

	resp := srv.do(t, http.MethodPost, "/v1/compose", testOwner, map[string]interface{}{
		"video_id":       created.VideoID,
		"show_subtitles": true,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	body := decode[map[string]interface{}](t, resp)
	assert.Contains(t, body["error"], compose.ErrNoValidSegments.Error())
}

func TestStreamVideoStatus(t *testing.T) {
	srv := setupTestServer(t)
	created := srv.createVideo(t, "a")

	header := http.Header{}
	header.Set("X-API-Key", testAPIKey)
	header.Set("X-Owner-ID", testOwner)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/videos/" + created.VideoID.String() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	var first models.VideoStatusResponse
	require.NoError(t, conn.ReadJSON(&first))
	assert.True(t, first.Polling)

	srv.provider.finish()

	var last models.VideoStatusResponse
	for {
		var msg models.VideoStatusResponse
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		last = msg
	}
	require.NotNil(t, last.Video)
	assert.False(t, last.Polling)
	assert.Equal(t, models.VideoStatusCompleted, last.Video.Status)
}

func TestStreamRejectsDisallowedOrigin(t *testing.T) {
	srv := setupTestServerWithOrigins(t, "https://app.test")
	created := srv.createVideo(t, "a")
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/videos/" + created.VideoID.String() + "/ws"

	dial := func(origin string) (*websocket.Conn, *http.Response, error) {
		header := http.Header{}
		header.Set("X-API-Key", testAPIKey)
		header.Set("X-Owner-ID", testOwner)
		header.Set("Origin", origin)
		return websocket.DefaultDialer.Dial(wsURL, header)
	}

	_, resp, err := dial("https://evil.test")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := dial("https://APP.test")
	require.NoError(t, err)
	defer conn.Close()

	var first models.VideoStatusResponse
	require.NoError(t, conn.ReadJSON(&first))
	assert.True(t, first.Polling)
}
