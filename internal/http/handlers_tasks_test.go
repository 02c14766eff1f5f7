package httpx

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateEventizerTask(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})

	res := f.do(t, http.MethodPost, "/tasks/eventizer", eventizerBody())
	require.Equal(t, http.StatusCreated, res.StatusCode)

	body := decodeObject(t, res)
	assert.NotEmpty(t, body["uuid"])
	assert.Equal(t, "enqueued", body["status"])
	assert.Equal(t, "git", body["datasource_type"])
	assert.Equal(t, "commit", body["datasource_category"])
	assert.Equal(t, map[string]any{"uri": testRepoURI}, body["task_args"])
	assert.Equal(t, float64(3600), body["job_interval"])
	assert.Equal(t, float64(5), body["job_max_retries"])
	assert.Equal(t, true, body["burst"])

	_, hasType := body["task_type"]
	assert.False(t, hasType)

	lastJobs, ok := body["last_jobs"].([]any)
	require.True(t, ok)
	require.Len(t, lastJobs, 1)
	job := lastJobs[0].(map[string]any)
	assert.Equal(t, float64(1), job["job_num"])
	assert.Equal(t, "enqueued", job["status"])
	assert.Equal(t, testEventizerQueue, job["queue"])
}

func TestCreateAffiliateTask(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})

	res := f.do(t, http.MethodPost, "/tasks/affiliate", map[string]any{
		"task_args":       map[string]any{},
		"job_interval":    3600,
		"job_max_retries": 5,
		"uuids":           []string{"uuid1", "uuid2"},
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	body := decodeObject(t, res)
	assert.Equal(t, "enqueued", body["status"])
	assert.Equal(t, map[string]any{}, body["task_args"])
	assert.Equal(t, []any{"uuid1", "uuid2"}, body["uuids"])
	assert.Equal(t, "1900-01-01T00:00:00+00:00", body["last_modified"])
	assert.Equal(t, false, body["burst"])
}

func TestCreateUnifyTask(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})

	res := f.do(t, http.MethodPost, "/tasks/unify", map[string]any{
		"task_args":    map[string]any{},
		"job_interval": 86400,
		"criteria":     []string{"email"},
		"source_uuids": []string{"uuid1"},
		"target_uuids": []string{"uuid2"},
		"exclude":      false,
		"strict":       true,
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	body := decodeObject(t, res)
	assert.Equal(t, []any{"email"}, body["criteria"])
	assert.Equal(t, []any{"uuid1"}, body["source_uuids"])
	assert.Equal(t, []any{"uuid2"}, body["target_uuids"])
	assert.Equal(t, false, body["exclude"])
	assert.Equal(t, true, body["strict"])
	assert.Equal(t, false, body["match_source"])
	assert.Equal(t, false, body["guess_github_user"])
}

func TestCreateImportIdentitiesTask(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})

	res := f.do(t, http.MethodPost, "/tasks/import_identities", map[string]any{
		"task_args":    map[string]any{},
		"backend_name": "test_backend",
		"url":          "https://example.com/identities.json",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	body := decodeObject(t, res)
	assert.Equal(t, "test_backend", body["backend_name"])
	assert.Equal(t, "https://example.com/identities.json", body["url"])
}

func TestCreateTaskUnknownType(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})

	res := f.do(t, http.MethodPost, "/tasks/minecraft", map[string]any{"task_args": map[string]any{}})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	body := decodeObject(t, res)
	assert.Equal(t, "unknown_task_type", body["error"])
	assert.Contains(t, body["message"], "Unknown task type")
}

func TestCreateTaskMissingRequiredFields(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})

	res := f.do(t, http.MethodPost, "/tasks/eventizer", map[string]any{
		"datasource_type": "git",
		"task_args":       map[string]any{"uri": testRepoURI},
	})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	body := decodeObject(t, res)
	assert.Equal(t, "validation", body["error"])
	assert.Contains(t, body["message"], "datasource_category")
}

func TestCreateTaskRejectsIllTypedFields(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})

	for field, body := range map[string]map[string]any{
		"task_args":       {"task_args": "not-an-object"},
		"job_interval":    {"job_interval": "3600"},
		"job_max_retries": {"job_max_retries": 1.5},
		"burst":           {"burst": "yes"},
	} {
		res := f.do(t, http.MethodPost, "/tasks/eventizer", body)
		require.Equal(t, http.StatusBadRequest, res.StatusCode, field)
		got := decodeObject(t, res)
		assert.Contains(t, got["message"], field)
	}
}

func TestCreateTaskInvalidJSON(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})

	req, err := http.NewRequest(
		http.MethodPost, f.srv.URL+"/tasks/eventizer", strings.NewReader("{not json"))
	require.NoError(t, err)
	res, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	body := decodeObject(t, res)
	assert.Equal(t, "invalid_json", body["error"])
}

func TestListTasks(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})

	for i := 0; i < 3; i++ {
		f.clock.AddTime(time.Minute)
		res := f.do(t, http.MethodPost, "/tasks/eventizer", eventizerBody())
		require.Equal(t, http.StatusCreated, res.StatusCode, i)
	}

	res := f.do(t, http.MethodGet, "/tasks/eventizer", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	body := decodeObject(t, res)
	assert.Equal(t, float64(3), body["count"])
	assert.Equal(t, float64(1), body["page"])
	assert.Equal(t, float64(1), body["total_pages"])

	results := body["results"].([]any)
	require.Len(t, results, 3)
	first := results[0].(map[string]any)
	assert.Equal(t, "git", first["datasource_type"])
	assert.Equal(t, map[string]any{"uri": testRepoURI}, first["task_args"])

	links := body["links"].(map[string]any)
	assert.Nil(t, links["next"])
	assert.Nil(t, links["previous"])
}

func TestListTasksPagination(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})

	for i := 0; i < 30; i++ {
		f.clock.AddTime(time.Second)
		res := f.do(t, http.MethodPost, "/tasks/eventizer", eventizerBody())
		require.Equal(t, http.StatusCreated, res.StatusCode, i)
	}

	res := f.do(t, http.MethodGet, "/tasks/eventizer?page=2&size=10", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	body := decodeObject(t, res)
	assert.Equal(t, float64(30), body["count"])
	assert.Equal(t, float64(2), body["page"])
	assert.Equal(t, float64(3), body["total_pages"])
	assert.Len(t, body["results"].([]any), 10)

	links := body["links"].(map[string]any)
	assert.Equal(t, "/tasks/eventizer?page=3&size=10", links["next"])
	assert.Equal(t, "/tasks/eventizer?size=10", links["previous"])
}

func TestListTasksStatusFilter(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})
	ctx := context.Background()

	res := f.do(t, http.MethodPost, "/tasks/eventizer", eventizerBody())
	require.Equal(t, http.StatusCreated, res.StatusCode)

	res = f.do(t, http.MethodPost, "/tasks/eventizer", eventizerBody())
	require.Equal(t, http.StatusCreated, res.StatusCode)
	canceled := decodeObject(t, res)["uuid"].(string)

	_, err := f.sched.CancelTask(ctx, canceled)
	require.NoError(t, err)

	res = f.do(t, http.MethodGet, "/tasks/eventizer?status=canceled", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	body := decodeObject(t, res)
	assert.Equal(t, float64(1), body["count"])
	results := body["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, canceled, results[0].(map[string]any)["uuid"])
	assert.Equal(t, "canceled", results[0].(map[string]any)["status"])
}

func TestListTasksInvalidStatus(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})

	res := f.do(t, http.MethodGet, "/tasks/eventizer?status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	body := decodeObject(t, res)
	assert.Equal(t, "invalid_status", body["error"])
}

func TestListTasksUnknownType(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})

	res := f.do(t, http.MethodGet, "/tasks/minecraft", nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, decodeObject(t, res)["message"], "Unknown task type")
}

func TestGetTask(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})

	res := f.do(t, http.MethodPost, "/tasks/eventizer", eventizerBody())
	require.Equal(t, http.StatusCreated, res.StatusCode)
	uuid := decodeObject(t, res)["uuid"].(string)

	res = f.do(t, http.MethodGet, "/tasks/eventizer/"+uuid, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	body := decodeObject(t, res)
	assert.Equal(t, uuid, body["uuid"])
	assert.Equal(t, "git", body["datasource_type"])
	assert.Equal(t, "commit", body["datasource_category"])
}

func TestGetTaskNotFound(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})

	res := f.do(t, http.MethodGet, "/tasks/eventizer/fake-uuid", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decodeObject(t, res)["error"])
}

func TestGetTaskScopedToType(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})

	res := f.do(t, http.MethodPost, "/tasks/eventizer", eventizerBody())
	require.Equal(t, http.StatusCreated, res.StatusCode)
	uuid := decodeObject(t, res)["uuid"].(string)

	res = f.do(t, http.MethodGet, "/tasks/affiliate/"+uuid, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestGetTaskUnknownType(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})

	res := f.do(t, http.MethodGet, "/tasks/minecraft/fake-uuid", nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, decodeObject(t, res)["message"], "Unknown task type")
}

func TestDeleteTask(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})

	res := f.do(t, http.MethodPost, "/tasks/eventizer", eventizerBody())
	require.Equal(t, http.StatusCreated, res.StatusCode)
	uuid := decodeObject(t, res)["uuid"].(string)

	res = f.do(t, http.MethodDelete, "/tasks/eventizer/"+uuid, nil)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	res = f.do(t, http.MethodGet, "/tasks/eventizer/"+uuid, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestRescheduleTask(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})

	res := f.do(t, http.MethodPost, "/tasks/eventizer", eventizerBody())
	require.Equal(t, http.StatusCreated, res.StatusCode)
	uuid := decodeObject(t, res)["uuid"].(string)

	res = f.do(t, http.MethodPost, fmt.Sprintf("/tasks/eventizer/%s/reschedule", uuid), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	messages := decodeArray(t, res)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "rescheduled")
	assert.Contains(t, messages[0], uuid)
}

func TestRescheduleTaskNotFound(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})

	res := f.do(t, http.MethodPost, "/tasks/eventizer/fake-uuid/reschedule", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestCancelTask(t *testing.T) {
	f := newAPIFixture(t, apiFixtureOptions{})

	res := f.do(t, http.MethodPost, "/tasks/eventizer", eventizerBody())
	require.Equal(t, http.StatusCreated, res.StatusCode)
	uuid := decodeObject(t, res)["uuid"].(string)

	res = f.do(t, http.MethodPost, fmt.Sprintf("/tasks/eventizer/%s/cancel", uuid), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	messages := decodeArray(t, res)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "cancelled")

	res = f.do(t, http.MethodGet, "/tasks/eventizer/"+uuid, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "canceled", decodeObject(t, res)["status"])
}
