package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/sceneforge/internal/db"
	"github.com/bobarin/sceneforge/internal/models"
	"github.com/bobarin/sceneforge/internal/provider"
	"github.com/bobarin/sceneforge/internal/sweep"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "owner-1"

// fakeProvider names provider jobs after the prompt so tests can script
// each scene's outcome.
type fakeProvider struct {
	mu        sync.Mutex
	submitErr map[string]error
	preds     map[string]*provider.Prediction
	pollErr   error
	polls     int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		submitErr: map[string]error{},
		preds:     map[string]*provider.Prediction{},
	}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Submit(ctx context.Context, req provider.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.submitErr[req.Prompt]; err != nil {
		return "", err
	}
	return "p-" + req.Prompt, nil
}

func (f *fakeProvider) Poll(ctx context.Context, jobID string) (*provider.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if p, ok := f.preds[jobID]; ok {
		return p, nil
	}
	return &provider.Prediction{Status: provider.StatusProcessing}, nil
}

func (f *fakeProvider) set(prompt string, p *provider.Prediction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preds["p-"+prompt] = p
}

func succeeded(prompt string) *provider.Prediction {
	return &provider.Prediction{Status: provider.StatusSucceeded, Output: "https://provider.test/" + prompt + ".mp4"}
}

type fakeMirror struct {
	mu      sync.Mutex
	fail    error
	calls   int
	deleted []string
}

func (m *fakeMirror) Mirror(ctx context.Context, sourceURL, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail != nil {
		return "", m.fail
	}
	return "https://cdn.test/" + key, nil
}

func (m *fakeMirror) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, key)
	return nil
}

type recordingScheduler struct {
	mu   sync.Mutex
	jobs []uuid.UUID
}

func (s *recordingScheduler) Schedule(ctx context.Context, job models.SceneJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job.ID)
	return nil
}

type fixture struct {
	store    *db.Memory
	provider *fakeProvider
	mirror   *fakeMirror
	sched    *recordingScheduler
	p        *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    db.NewMemory(),
		provider: newFakeProvider(),
		mirror:   &fakeMirror{},
		sched:    &recordingScheduler{},
	}
	f.p = New(f.store, f.provider, f.mirror, Config{PollInterval: 2 * time.Second, PollMaxAttempts: 300})
	f.p.SetScheduler(f.sched)
	return f
}

func specs(prompts ...string) []models.SceneSpec {
	out := make([]models.SceneSpec, len(prompts))
	for i, p := range prompts {
		out[i] = models.SceneSpec{Prompt: p, Narration: "narration " + p}
	}
	return out
}

func (f *fixture) generate(t *testing.T, prompts ...string) *GenerateResult {
	t.Helper()
	res, err := f.p.Generate(context.Background(), owner, models.GenerateVideoRequest{Title: "t", Scenes: specs(prompts...)})
	require.NoError(t, err)
	return res
}

func TestGenerateThreeScenesAllSucceed(t *testing.T) {
	f := newFixture(t)
	res := f.generate(t, "a", "b", "c")

	require.Len(t, res.JobIDs, 3)
	assert.Equal(t, models.VideoStatusProcessing, res.Video.Status)
	assert.Len(t, f.sched.jobs, 3)

	for _, p := range []string{"a", "b", "c"} {
		f.provider.set(p, succeeded(p))
	}

	status, err := f.p.CheckStatus(context.Background(), owner, res.Video.ID)
	require.NoError(t, err)

	assert.Equal(t, models.VideoStatusCompleted, status.Video.Status)
	assert.False(t, status.Polling)
	for i, s := range status.Video.Scenes {
		assert.Equal(t, i+1, s.SceneNumber)
		assert.NotEmpty(t, s.VideoURL)
		assert.Equal(t, s.MirroredURL, s.VideoURL)
		assert.Contains(t, s.Output, "https://provider.test/")
	}
	for _, j := range status.Jobs {
		assert.Equal(t, models.JobStatusCompleted, j.Status)
	}
}

func TestOneFailedOneSucceededIsFailed(t *testing.T) {
	f := newFixture(t)
	res := f.generate(t, "good", "bad")

	f.provider.set("good", succeeded("good"))
	f.provider.set("bad", &provider.Prediction{Status: provider.StatusFailed, Error: "content policy"})

	status, err := f.p.CheckStatus(context.Background(), owner, res.Video.ID)
	require.NoError(t, err)

	assert.Equal(t, models.VideoStatusFailed, status.Video.Status)
	assert.NotEmpty(t, status.Video.Scenes[0].VideoURL, "succeeded scene keeps its asset")
	assert.Contains(t, status.Video.Scenes[1].Error, "content policy")
	assert.Contains(t, status.Video.Scenes[1].Error, ErrProviderFailed.Error())
}

func TestSubmissionFailuresAreIsolated(t *testing.T) {
	f := newFixture(t)
	f.provider.submitErr["bad"] = fmt.Errorf("quota: %w", provider.ErrRejected)

	res := f.generate(t, "ok", "bad")
	require.Len(t, res.JobIDs, 2)
	assert.Len(t, f.sched.jobs, 1, "only the started job is scheduled")

	jobs, err := f.store.ListSceneJobs(context.Background(), res.Video.ID)
	require.NoError(t, err)
	byScene := map[int]models.SceneJob{}
	for _, j := range jobs {
		byScene[j.SceneIndex] = j
	}
	assert.Equal(t, models.JobStatusStarting, byScene[1].Status)
	assert.Equal(t, models.JobStatusFailed, byScene[2].Status)
	assert.Contains(t, byScene[2].Error, "quota")
}

func TestAllSubmissionsFailed(t *testing.T) {
	f := newFixture(t)
	f.provider.submitErr["x"] = fmt.Errorf("dial: %w", provider.ErrUnavailable)

	res, err := f.p.Generate(context.Background(), owner, models.GenerateVideoRequest{Scenes: specs("x")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllSubmissionsFailed))
	require.NotNil(t, res)
	assert.Equal(t, models.VideoStatusFailed, res.Video.Status)
}

func TestGenerateValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.p.Generate(context.Background(), owner, models.GenerateVideoRequest{})
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = f.p.Generate(context.Background(), owner, models.GenerateVideoRequest{Scenes: []models.SceneSpec{{Prompt: "  "}}})
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestAppendScenesKeepsExisting(t *testing.T) {
	f := newFixture(t)
	res := f.generate(t, "a")
	f.provider.set("a", succeeded("a"))
	_, err := f.p.CheckStatus(context.Background(), owner, res.Video.ID)
	require.NoError(t, err)

	id := res.Video.ID
	appended, err := f.p.Generate(context.Background(), owner, models.GenerateVideoRequest{VideoID: &id, Scenes: specs("b")})
	require.NoError(t, err)

	v := appended.Video
	require.Len(t, v.Scenes, 2)
	assert.Equal(t, "a", v.Scenes[0].Prompt)
	assert.NotEmpty(t, v.Scenes[0].VideoURL)
	assert.Equal(t, 2, v.Scenes[1].SceneNumber)
	assert.Equal(t, models.VideoStatusProcessing, v.Status)
}

func TestAppendToForeignVideoIsNotFound(t *testing.T) {
	f := newFixture(t)
	res := f.generate(t, "a")

	id := res.Video.ID
	_, err := f.p.Generate(context.Background(), "someone-else", models.GenerateVideoRequest{VideoID: &id, Scenes: specs("b")})
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = f.p.CheckStatus(context.Background(), "someone-else", id)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMirrorFailureKeepsProviderURL(t *testing.T) {
	f := newFixture(t)
	f.mirror.fail = errors.New("upload refused")
	res := f.generate(t, "a")
	f.provider.set("a", succeeded("a"))

	status, err := f.p.CheckStatus(context.Background(), owner, res.Video.ID)
	require.NoError(t, err)

	s := status.Video.Scenes[0]
	assert.Equal(t, "https://provider.test/a.mp4", s.VideoURL)
	assert.Empty(t, s.MirroredURL)
	assert.Contains(t, s.MirrorError, "upload refused")
	assert.Equal(t, models.VideoStatusProcessing, status.Video.Status, "completed waits for the mirrored copy")
	assert.False(t, status.Polling)
	assert.Equal(t, models.JobStatusCompleted, status.Jobs[0].Status)

	// Once storage recovers the sweep mirrors the asset and completes the video.
	f.mirror.fail = nil
	c, err := sweep.New(f.store, f.mirror).Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, c.AssetsMirrored)
	assert.Equal(t, 1, c.StatusesCorrected)

	v, err := f.p.GetVideo(context.Background(), owner, res.Video.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusCompleted, v.Status)
	assert.Equal(t, v.Scenes[0].MirroredURL, v.Scenes[0].VideoURL)
}

func TestTransientPollKeepsJobRunning(t *testing.T) {
	f := newFixture(t)
	res := f.generate(t, "a")
	f.provider.pollErr = fmt.Errorf("502: %w", provider.ErrTransient)

	status, err := f.p.CheckStatus(context.Background(), owner, res.Video.ID)
	require.NoError(t, err)
	assert.True(t, status.Polling)
	assert.Equal(t, models.JobStatusStarting, status.Jobs[0].Status)
}

func TestDualPathSettleHasSingleWinner(t *testing.T) {
	f := newFixture(t)
	res := f.generate(t, "a")

	job, err := f.store.GetSceneJob(context.Background(), res.JobIDs[0])
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]bool, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, applied, _ := f.p.Settle(context.Background(), *job, succeeded("a"), PathWorker)
		results[0] = applied
	}()
	go func() {
		defer wg.Done()
		_, applied, _ := f.p.Settle(context.Background(), *job, &provider.Prediction{Status: provider.StatusFailed, Error: "boom"}, PathReconcile)
		results[1] = applied
	}()
	wg.Wait()

	assert.True(t, results[0] != results[1], "exactly one path must win")

	stored, err := f.store.GetSceneJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, stored.Status.IsTerminal())

	// A late processing observation never reopens a terminal job.
	after, applied, err := f.p.Settle(context.Background(), *job, &provider.Prediction{Status: provider.StatusProcessing}, PathWorker)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, stored.Status, after.Status)
}

func TestSettleProcessingThenSucceeded(t *testing.T) {
	f := newFixture(t)
	res := f.generate(t, "a")
	job, err := f.store.GetSceneJob(context.Background(), res.JobIDs[0])
	require.NoError(t, err)

	got, applied, err := f.p.Settle(context.Background(), *job, &provider.Prediction{Status: provider.StatusProcessing}, PathWorker)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.JobStatusProcessing, got.Status)

	_, applied, err = f.p.Settle(context.Background(), *got, &provider.Prediction{Status: provider.StatusProcessing}, PathWorker)
	require.NoError(t, err)
	assert.False(t, applied, "repeated processing is a no-op")

	got, applied, err = f.p.Settle(context.Background(), *got, succeeded("a"), PathWorker)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 1, f.mirror.calls)
}

func TestCheckStatusTimesOutJobsStillRunningPastDeadline(t *testing.T) {
	f := newFixture(t)
	res := f.generate(t, "a")

	f.p.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	status, err := f.p.CheckStatus(context.Background(), owner, res.Video.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.provider.polls, "the provider is asked before timing out")
	assert.Equal(t, models.JobStatusFailed, status.Jobs[0].Status)
	assert.Contains(t, status.Jobs[0].Error, ErrProviderTimeout.Error())
	assert.Equal(t, models.VideoStatusFailed, status.Video.Status)
}

func TestCheckStatusKeepsAssetFinishedPastDeadline(t *testing.T) {
	f := newFixture(t)
	res := f.generate(t, "a")
	f.provider.set("a", succeeded("a"))

	f.p.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	status, err := f.p.CheckStatus(context.Background(), owner, res.Video.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.provider.polls)
	assert.Equal(t, models.JobStatusCompleted, status.Jobs[0].Status)
	assert.Empty(t, status.Jobs[0].Error)
	assert.Equal(t, models.VideoStatusCompleted, status.Video.Status)
	assert.NotEmpty(t, status.Video.Scenes[0].VideoURL)
}

func TestCheckStatusTransientErrorPastDeadlineKeepsJob(t *testing.T) {
	f := newFixture(t)
	res := f.generate(t, "a")
	f.provider.pollErr = fmt.Errorf("503: %w", provider.ErrTransient)

	f.p.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	status, err := f.p.CheckStatus(context.Background(), owner, res.Video.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusStarting, status.Jobs[0].Status)
	assert.True(t, status.Polling)
}

func TestCompletionAfterReorderLandsOnRightScene(t *testing.T) {
	f := newFixture(t)
	res := f.generate(t, "a", "b")
	v := res.Video

	_, err := f.p.ReorderScenes(context.Background(), owner, v.ID, []uuid.UUID{v.Scenes[1].ID, v.Scenes[0].ID})
	require.NoError(t, err)

	f.provider.set("a", succeeded("a"))
	status, err := f.p.CheckStatus(context.Background(), owner, v.ID)
	require.NoError(t, err)

	scenes := status.Video.Scenes
	assert.Equal(t, "b", scenes[0].Prompt)
	assert.Empty(t, scenes[0].VideoURL)
	assert.Equal(t, "a", scenes[1].Prompt)
	assert.NotEmpty(t, scenes[1].VideoURL)
	assert.Equal(t, 1, scenes[0].SceneNumber)
	assert.Equal(t, 2, scenes[1].SceneNumber)
}

func TestDeleteSceneRenumbers(t *testing.T) {
	f := newFixture(t)
	res := f.generate(t, "a", "b", "c")

	v, err := f.p.DeleteScene(context.Background(), owner, res.Video.ID, res.Video.Scenes[0].ID)
	require.NoError(t, err)
	require.Len(t, v.Scenes, 2)
	assert.Equal(t, 1, v.Scenes[0].SceneNumber)
	assert.Equal(t, "b", v.Scenes[0].Prompt)

	_, err = f.p.DeleteScene(context.Background(), owner, res.Video.ID, uuid.New())
	assert.True(t, errors.Is(err, models.ErrSceneNotFound))
}

func TestUpdateNarration(t *testing.T) {
	f := newFixture(t)
	res := f.generate(t, "a")

	v, err := f.p.UpdateNarration(context.Background(), owner, res.Video.ID, res.Video.Scenes[0].ID, "  new words ")
	require.NoError(t, err)
	assert.Equal(t, "new words", v.Scenes[0].Narration)

	_, err = f.p.UpdateNarration(context.Background(), "intruder", res.Video.ID, res.Video.Scenes[0].ID, "x")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRegenerateCreatesNewJobAndKeepsOld(t *testing.T) {
	f := newFixture(t)
	res := f.generate(t, "a")
	sceneID := res.Video.Scenes[0].ID

	_, err := f.p.Regenerate(context.Background(), owner, res.Video.ID, sceneID)
	assert.True(t, errors.Is(err, ErrJobInFlight))

	f.provider.set("a", succeeded("a"))
	first, err := f.p.CheckStatus(context.Background(), owner, res.Video.ID)
	require.NoError(t, err)
	oldURL := first.Video.Scenes[0].VideoURL

	job, err := f.p.Regenerate(context.Background(), owner, res.Video.ID, sceneID)
	require.NoError(t, err)
	assert.NotEqual(t, res.JobIDs[0], job.ID)

	v, err := f.p.GetVideo(context.Background(), owner, res.Video.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, *v.Scenes[0].JobID)
	assert.Equal(t, oldURL, v.Scenes[0].VideoURL, "old asset stays until the new render lands")
	assert.Equal(t, models.VideoStatusProcessing, v.Status)

	jobs, err := f.store.ListSceneJobs(context.Background(), res.Video.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestDeleteVideoRemovesMirroredObjects(t *testing.T) {
	f := newFixture(t)
	res := f.generate(t, "a", "b")
	f.provider.set("a", succeeded("a"))
	f.provider.set("b", succeeded("b"))
	_, err := f.p.CheckStatus(context.Background(), owner, res.Video.ID)
	require.NoError(t, err)

	require.NoError(t, f.p.DeleteVideo(context.Background(), owner, res.Video.ID))
	assert.Len(t, f.mirror.deleted, 2)

	_, err = f.p.GetVideo(context.Background(), owner, res.Video.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	jobs, err := f.store.ListSceneJobs(context.Background(), res.Video.ID)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
