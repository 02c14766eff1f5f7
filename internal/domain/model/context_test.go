package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSystemContext_Object(t *testing.T) {
	ctx, err := ParseSystemContext(map[string]any{
		"user_id": "grimoirelab",
		"job_id":  "job-1",
		"tenant":  "default",
	})
	require.NoError(t, err)
	assert.Equal(t, "grimoirelab", ctx.User)
	assert.Equal(t, "job-1", ctx.JobID)
	assert.Equal(t, "default", ctx.Tenant)
}

func TestParseSystemContext_LooseList(t *testing.T) {
	// Contexts serialized through job arguments may come back as a bare
	// positional list.
	ctx, err := ParseSystemContext([]any{"grimoirelab", nil, "default"})
	require.NoError(t, err)
	assert.Equal(t, "grimoirelab", ctx.User)
	assert.Empty(t, ctx.JobID)
	assert.Equal(t, "default", ctx.Tenant)
}

func TestParseSystemContext_Invalid(t *testing.T) {
	_, err := ParseSystemContext([]any{})
	assert.Error(t, err)

	_, err = ParseSystemContext(map[string]any{"tenant": "default"})
	assert.Error(t, err)

	_, err = ParseSystemContext(42)
	assert.Error(t, err)
}

func TestParseSystemContext_Passthrough(t *testing.T) {
	in := SystemContext{User: "bot", JobID: "j", Tenant: "t"}
	out, err := ParseSystemContext(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
