package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaoss/grimoirelab-core/internal/domain/model"
)

// runJobOnce drives the task's pending job through a successful run. The
// clock jumps past the task's job_interval first so rescheduled runs are
// already due.
func runJobOnce(t *testing.T, f *apiFixture) *model.Job {
	t.Helper()
	ctx := context.Background()

	f.clock.AddTime(2 * time.Hour)
	job, err := f.jobs.ReserveNext(ctx, testEventizerQueue, 60)
	require.NoError(t, err)
	require.NoError(t, f.sched.OnJobStarted(ctx, job))
	require.NoError(t, f.sched.OnJobSuccess(ctx, job, model.JobOutcome{
		Result: json.RawMessage(`{"fetched":40}`),
	}))
	return job
}

func createTask(t *testing.T, f *apiFixture) string {
	t.Helper()

	body := eventizerBody()
	body["burst"] = false
	res := f.do(t, http.MethodPost, "/tasks/eventizer", body)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	return decodeObject(t, res)["uuid"].(string)
}

func TestListJobs(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})
	uuid := createTask(t, f)

	first := runJobOnce(t, f)
	second := runJobOnce(t, f)

	res := f.do(t, http.MethodGet, fmt.Sprintf("/tasks/eventizer/%s/jobs", uuid), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	body := decodeObject(t, res)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, float64(1), body["page"])
	assert.Equal(t, float64(1), body["total_pages"])

	results := body["results"].([]any)
	require.Len(t, results, 2)

	newest := results[0].(map[string]any)
	assert.Equal(t, second.UUID, newest["uuid"])
	assert.Equal(t, float64(2), newest["job_num"])
	assert.Equal(t, "completed", newest["status"])
	assert.Equal(t, testEventizerQueue, newest["queue"])
	assert.NotNil(t, newest["started_at"])
	assert.NotNil(t, newest["finished_at"])
	_, hasProgress := newest["progress"]
	assert.False(t, hasProgress)

	oldest := results[1].(map[string]any)
	assert.Equal(t, first.UUID, oldest["uuid"])
}

func TestListJobsStatusFilter(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})
	uuid := createTask(t, f)

	runJobOnce(t, f)

	res := f.do(t, http.MethodGet, fmt.Sprintf("/tasks/eventizer/%s/jobs?status=enqueued", uuid), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	body := decodeObject(t, res)
	assert.Equal(t, float64(1), body["count"])
	results := body["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, "enqueued", results[0].(map[string]any)["status"])
}

func TestListJobsUnknownTaskType(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})

	res := f.do(t, http.MethodGet, "/tasks/minecraft/some-task/jobs", nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, decodeObject(t, res)["message"], "Unknown task type")
}

func TestListJobsTaskNotFound(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})

	res := f.do(t, http.MethodGet, "/tasks/eventizer/fake-uuid/jobs", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestGetJob(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})
	ctx := context.Background()
	uuid := createTask(t, f)

	job, err := f.jobs.ReserveNext(ctx, testEventizerQueue, 60)
	require.NoError(t, err)
	require.NoError(t, f.sched.OnJobStarted(ctx, job))
	_, err = f.jobs.SaveProgress(ctx, job.UUID, json.RawMessage(`{"summary":{"fetched":12}}`), nil)
	require.NoError(t, err)

	res := f.do(t, http.MethodGet, fmt.Sprintf("/tasks/eventizer/%s/jobs/%s", uuid, job.UUID), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	body := decodeObject(t, res)
	assert.Equal(t, job.UUID, body["uuid"])
	assert.Equal(t, float64(1), body["job_num"])
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, testEventizerQueue, body["queue"])

	progress, ok := body["progress"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"fetched": float64(12)}, progress["summary"])
}

func TestGetJobWithoutProgress(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})
	uuid := createTask(t, f)

	res := f.do(t, http.MethodGet, fmt.Sprintf("/tasks/eventizer/%s/jobs", uuid), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	jobUUID := decodeObject(t, res)["results"].([]any)[0].(map[string]any)["uuid"].(string)

	res = f.do(t, http.MethodGet, fmt.Sprintf("/tasks/eventizer/%s/jobs/%s", uuid, jobUUID), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	body := decodeObject(t, res)
	_, hasProgress := body["progress"]
	assert.True(t, hasProgress)
	assert.Nil(t, body["progress"])
}

func TestGetJobNotFound(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})
	uuid := createTask(t, f)

	res := f.do(t, http.MethodGet, fmt.Sprintf("/tasks/eventizer/%s/jobs/fake-job", uuid), nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestGetJobScopedToTask(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})
	uuid := createTask(t, f)
	job := runJobOnce(t, f)
	other := createTask(t, f)

	res := f.do(t, http.MethodGet, fmt.Sprintf("/tasks/eventizer/%s/jobs/%s", other, job.UUID), nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = f.do(t, http.MethodGet, fmt.Sprintf("/tasks/eventizer/%s/jobs/%s", uuid, job.UUID), nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestGetJobLogs(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})
	ctx := context.Background()
	uuid := createTask(t, f)

	job, err := f.jobs.ReserveNext(ctx, testEventizerQueue, 60)
	require.NoError(t, err)
	require.NoError(t, f.sched.OnJobStarted(ctx, job))
	_, err = f.jobs.SaveProgress(ctx, job.UUID, json.RawMessage(`{}`), []model.LogEntry{
		{CreatedAt: 1741608000, Msg: "fetching git repository", Level: "INFO"},
		{CreatedAt: 1741608060, Msg: "100 commits processed", Level: "INFO"},
	})
	require.NoError(t, err)

	res := f.do(t, http.MethodGet, fmt.Sprintf("/tasks/eventizer/%s/jobs/%s/logs", uuid, job.UUID), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	body := decodeObject(t, res)
	assert.Equal(t, job.UUID, body["uuid"])
	assert.Equal(t, "running", body["status"])

	logs := body["logs"].([]any)
	require.Len(t, logs, 2)
	first := logs[0].(map[string]any)
	assert.Equal(t, "fetching git repository", first["msg"])
	assert.Equal(t, "INFO", first["level"])
	assert.Equal(t, float64(1741608000), first["created_at"])
}

func TestGetJobLogsEmpty(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})
	uuid := createTask(t, f)

	res := f.do(t, http.MethodGet, fmt.Sprintf("/tasks/eventizer/%s/jobs", uuid), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	jobUUID := decodeObject(t, res)["results"].([]any)[0].(map[string]any)["uuid"].(string)

	res = f.do(t, http.MethodGet, fmt.Sprintf("/tasks/eventizer/%s/jobs/%s/logs", uuid, jobUUID), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	body := decodeObject(t, res)
	logs, ok := body["logs"].([]any)
	require.True(t, ok)
	assert.Empty(t, logs)
}
