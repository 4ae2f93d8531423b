package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestReplicateSubmitAndPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		switch {
		case r.Method == "POST" && r.URL.Path == "/v1/models/acme/video/predictions":
			var body map[string]map[string]interface{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "a fox in snow", body["input"]["prompt"])
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"pred-1","status":"starting"}`))
		case r.Method == "GET" && r.URL.Path == "/v1/predictions/pred-1":
			w.Write([]byte(`{"id":"pred-1","status":"succeeded","output":["https://cdn.example/out.mp4"]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewReplicateClient(srv.URL, "token", "acme/video")
	id, err := c.Submit(context.Background(), Request{Prompt: "a fox in snow"})
	require.NoError(t, err)
	assert.Equal(t, "pred-1", id)

	pred, err := c.Poll(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, pred.Status)
	assert.Equal(t, "https://cdn.example/out.mp4", pred.Output)
}

func TestReplicateSubmitClassifiesErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusUnprocessableEntity)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		w.Write([]byte(`{"detail":"bad prompt"}`))
	}))
	defer srv.Close()

	c := NewReplicateClient(srv.URL, "token", "acme/video")

	_, err := c.Submit(context.Background(), Request{Prompt: "x"})
	assert.True(t, errors.Is(err, ErrRejected), "got %v", err)

	status.Store(http.StatusUnauthorized)
	_, err = c.Submit(context.Background(), Request{Prompt: "x"})
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)

	srv.Close()
	_, err = c.Submit(context.Background(), Request{Prompt: "x"})
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
}

func TestReplicatePollNon2xxIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewReplicateClient(srv.URL, "token", "acme/video")
	pred, err := c.Poll(context.Background(), "pred-1")
	assert.Nil(t, pred)
	assert.True(t, errors.Is(err, ErrTransient), "got %v", err)
}

func TestReplicatePredictionMapping(t *testing.T) {
	tests := []struct {
		body string
		want Status
		err  string
	}{
		{`{"status":"starting"}`, StatusStarting, ""},
		{`{"status":"processing"}`, StatusProcessing, ""},
		{`{"status":"failed","error":"NSFW content"}`, StatusFailed, "NSFW content"},
		{`{"status":"canceled"}`, StatusFailed, "prediction canceled"},
		{`{"status":"succeeded","output":null}`, StatusFailed, "provider reported success without an output"},
		{`{"status":"succeeded","output":"https://x/y.mp4"}`, StatusSucceeded, ""},
	}

	for _, tt := range tests {
		var p replicatePrediction
		require.NoError(t, json.Unmarshal([]byte(tt.body), &p))
		got := p.toPrediction()
		assert.Equal(t, tt.want, got.Status, tt.body)
		assert.Equal(t, tt.err, got.Error, tt.body)
	}
}

func TestXAIPoll(t *testing.T) {
	responses := map[string]string{
		"pending": `{"status":"pending"}`,
		"done":    `{"video":{"url":"https://vidgen.x.ai/out.mp4","duration":8},"model":"grok-imagine-video"}`,
		"failed":  `{"status":"failed","error":"moderation"}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/videos/"):]
		if id == "pending" {
			w.WriteHeader(http.StatusAccepted)
		}
		w.Write([]byte(responses[id]))
	}))
	defer srv.Close()

	c := NewXAIClient("key")
	c.baseURL = srv.URL

	pred, err := c.Poll(context.Background(), "pending")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, pred.Status)

	pred, err = c.Poll(context.Background(), "done")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, pred.Status)
	assert.Equal(t, "https://vidgen.x.ai/out.mp4", pred.Output)

	pred, err = c.Poll(context.Background(), "failed")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, pred.Status)
	assert.Equal(t, "moderation", pred.Error)
}

func TestXAISubmitClampsDuration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body xaiGenerationRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, xaiMaxDuration, body.Duration)
		assert.Equal(t, "https://img/seed.png", body.Image.URL)
		w.Write([]byte(`{"request_id":"req-9"}`))
	}))
	defer srv.Close()

	c := NewXAIClient("key")
	c.baseURL = srv.URL

	id, err := c.Submit(context.Background(), Request{Prompt: "p", ImageURL: "https://img/seed.png", DurationSec: 60})
	require.NoError(t, err)
	assert.Equal(t, "req-9", id)
}

type countingClient struct{ polls int }

func (c *countingClient) Name() string { return "counting" }
func (c *countingClient) Submit(ctx context.Context, req Request) (string, error) {
	return "id", nil
}
func (c *countingClient) Poll(ctx context.Context, jobID string) (*Prediction, error) {
	c.polls++
	return &Prediction{Status: StatusProcessing}, nil
}

func TestWithRateLimitHonoursContext(t *testing.T) {
	inner := &countingClient{}
	c := WithRateLimit(inner, 1)

	_, err := c.Poll(context.Background(), "id")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Poll(ctx, "id")
	assert.True(t, errors.Is(err, ErrTransient), "got %v", err)
	assert.Equal(t, 1, inner.polls)
}

func TestWithRateLimitDisabled(t *testing.T) {
	inner := &countingClient{}
	assert.Same(t, Client(inner), WithRateLimit(inner, 0))
}

type authorizingClient struct{ countingClient }

func (c *authorizingClient) AuthorizeDownload(req *http.Request) {
	req.Header.Set("Authorization", "Bearer secret")
}

// counterValue sums the data points of an int64 counter whose provider
// attribute matches.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name, provider string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "unexpected data type for %s", name)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("provider")); ok && v.AsString() == provider {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestInstrumentRecordsCallsWithoutRateLimit(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))

	inner := &countingClient{}
	c := WithRateLimit(Instrument(inner), 0)

	_, err := c.Submit(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := c.Poll(context.Background(), "id")
		require.NoError(t, err)
	}

	assert.Equal(t, 3, inner.polls)
	assert.Equal(t, int64(1), counterValue(t, reader, "sceneforge.provider.submit", "counting"))
	assert.Equal(t, int64(3), counterValue(t, reader, "sceneforge.provider.poll", "counting"))
}

func TestWrappersForwardDownloadAuthorization(t *testing.T) {
	c := WithRateLimit(Instrument(&authorizingClient{}), 5)

	a, ok := c.(DownloadAuthorizer)
	require.True(t, ok)
	req := httptest.NewRequest(http.MethodGet, "https://assets.test/v.mp4", nil)
	a.AuthorizeDownload(req)
	assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
	assert.Equal(t, "counting", c.Name())
}
