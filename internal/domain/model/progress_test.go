package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSummary() *Summary {
	minT := time.Date(2012, 8, 14, 17, 30, 13, 0, time.UTC)
	maxT := time.Date(2014, 2, 12, 6, 10, 39, 0, time.UTC)
	lastT := time.Date(2012, 8, 14, 17, 30, 13, 0, time.UTC)
	return &Summary{
		Fetched:       9,
		Skipped:       0,
		LastUUID:      "1375b60d3c23ac9b81da92523e4144abc4489d4c",
		MinUpdatedOn:  &minT,
		MaxUpdatedOn:  &maxT,
		LastUpdatedOn: &lastT,
		MinOffset:     "2d85a883e0ef63ebf7fa40e372aed44834092592",
		MaxOffset:     "ce8e0b86a1e9877f42fe9453ede418519115f367",
		LastOffset:    "1375b60d3c23ac9b81da92523e4144abc4489d4c",
	}
}

func TestSummary_MarshalWireKeys(t *testing.T) {
	out, err := json.Marshal(sampleSummary())
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))

	wantKeys := []string{
		"fetched", "skipped", "last_uuid",
		"min_updated_on", "max_updated_on", "last_updated_on",
		"min_offset", "max_offset", "last_offset", "extras",
	}
	assert.Len(t, doc, len(wantKeys))
	for _, k := range wantKeys {
		assert.Contains(t, doc, k)
	}
	assert.NotContains(t, doc, "total")

	assert.InDelta(t, 1392185439.0, doc["max_updated_on"], 0.001)
	assert.InDelta(t, 1344965413.0, doc["last_updated_on"], 0.001)
	assert.Equal(t, float64(9), doc["fetched"])
	assert.Equal(t, "ce8e0b86a1e9877f42fe9453ede418519115f367", doc["max_offset"])
	assert.Nil(t, doc["extras"])
}

func TestSummary_RoundTrip(t *testing.T) {
	orig := sampleSummary()

	out, err := json.Marshal(orig)
	require.NoError(t, err)

	var back Summary
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, *orig, back)
}

func TestSummary_RoundTripEmpty(t *testing.T) {
	orig := &Summary{}

	out, err := json.Marshal(orig)
	require.NoError(t, err)

	var back Summary
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, *orig, back)
}

func TestSummary_UnmarshalISOTimestamps(t *testing.T) {
	raw := `{
		"fetched": 2, "skipped": 1,
		"last_uuid": "abc",
		"min_updated_on": "2021-01-01T00:00:00+00:00",
		"max_updated_on": "2021-01-01 00:00:0+00:00",
		"last_updated_on": 1609459200,
		"min_offset": 10, "max_offset": 30, "last_offset": 30,
		"extras": {"key": "value"}
	}`

	var s Summary
	require.NoError(t, json.Unmarshal([]byte(raw), &s))

	want := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NotNil(t, s.MinUpdatedOn)
	require.NotNil(t, s.MaxUpdatedOn)
	require.NotNil(t, s.LastUpdatedOn)
	assert.True(t, want.Equal(*s.MinUpdatedOn), "min_updated_on = %v", s.MinUpdatedOn)
	assert.True(t, want.Equal(*s.MaxUpdatedOn), "max_updated_on = %v", s.MaxUpdatedOn)
	assert.True(t, want.Equal(*s.LastUpdatedOn), "last_updated_on = %v", s.LastUpdatedOn)

	assert.Equal(t, 2, s.Fetched)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 3, s.Total())
	assert.Equal(t, float64(30), s.MaxOffset)
	assert.Equal(t, map[string]any{"key": "value"}, s.Extras)
}

func TestSummary_UnmarshalBadTimestamp(t *testing.T) {
	raw := `{"fetched": 0, "skipped": 0, "max_updated_on": "not a date"}`

	var s Summary
	err := json.Unmarshal([]byte(raw), &s)
	assert.Error(t, err)
}

func TestSummary_Total(t *testing.T) {
	s := &Summary{Fetched: 7, Skipped: 3}
	assert.Equal(t, 10, s.Total())
	assert.Equal(t, 0, (&Summary{}).Total())
}

func TestSummary_UpdateItem(t *testing.T) {
	s := &Summary{}

	s.UpdateItem("aaa", time.Date(2014, 2, 12, 6, 10, 39, 0, time.UTC), "2d85a883")
	s.UpdateItem("bbb", time.Date(2012, 8, 14, 17, 30, 13, 0, time.UTC), "ce8e0b86")
	s.UpdateItem("ccc", time.Date(2013, 1, 1, 0, 0, 0, 0, time.UTC), "1375b60d")
	s.UpdateSkipped()

	assert.Equal(t, 3, s.Fetched)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 4, s.Total())
	assert.Equal(t, "ccc", s.LastUUID)

	require.NotNil(t, s.MinUpdatedOn)
	require.NotNil(t, s.MaxUpdatedOn)
	require.NotNil(t, s.LastUpdatedOn)
	assert.Equal(t, 2012, s.MinUpdatedOn.Year())
	assert.Equal(t, 2014, s.MaxUpdatedOn.Year())
	assert.Equal(t, 2013, s.LastUpdatedOn.Year())

	// String offsets order lexicographically.
	assert.Equal(t, "1375b60d", s.MinOffset)
	assert.Equal(t, "ce8e0b86", s.MaxOffset)
	assert.Equal(t, "1375b60d", s.LastOffset)
}

func TestSummary_UpdateItemNumericOffsets(t *testing.T) {
	s := &Summary{}
	s.UpdateItem("a", time.Now().UTC(), float64(5))
	s.UpdateItem("b", time.Now().UTC(), float64(2))
	s.UpdateItem("c", time.Now().UTC(), float64(9))

	assert.Equal(t, float64(2), s.MinOffset)
	assert.Equal(t, float64(9), s.MaxOffset)
	assert.Equal(t, float64(9), s.LastOffset)
}

func TestChroniclerProgress_Parse(t *testing.T) {
	raw := `{
		"job_id": "job-1234",
		"backend": "git",
		"category": "commit",
		"summary": {
			"fetched": 9, "skipped": 0,
			"last_uuid": "1375b60d3c23ac9b81da92523e4144abc4489d4c",
			"min_updated_on": 1344965413,
			"max_updated_on": 1392185439,
			"last_updated_on": 1344965413,
			"min_offset": null, "max_offset": null, "last_offset": null,
			"extras": null
		}
	}`

	p, err := ParseChroniclerProgress([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "job-1234", p.JobID)
	assert.Equal(t, "git", p.Backend)
	assert.Equal(t, "commit", p.Category)
	require.NotNil(t, p.Summary)
	assert.Equal(t, 9, p.Summary.Fetched)
	assert.Equal(t, 9, p.Summary.Total())

	want := time.Date(2014, 2, 12, 6, 10, 39, 0, time.UTC)
	assert.True(t, want.Equal(*p.Summary.MaxUpdatedOn))
}

func TestChroniclerProgress_RoundTrip(t *testing.T) {
	orig := &ChroniclerProgress{
		JobID:    "job-42",
		Backend:  "git",
		Category: "commit",
		Summary:  sampleSummary(),
	}

	out, err := json.Marshal(orig)
	require.NoError(t, err)

	back, err := ParseChroniclerProgress(out)
	require.NoError(t, err)
	assert.Equal(t, orig, back)
}

func TestChroniclerProgress_ParseInvalid(t *testing.T) {
	_, err := ParseChroniclerProgress([]byte(`{"summary": "nope"`))
	assert.Error(t, err)
}
