package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openviber/pkg/wire"
)

func TestJobScheduler_AddAndList(t *testing.T) {
	js := NewJobScheduler()
	defer js.Stop()

	err := js.Add(wire.NewJobPush("daily-report", "0 9 * * *", "summarize yesterday", "", ""))
	require.NoError(t, err)

	jobs := js.List()
	require.Len(t, jobs, 1)
	assert.Equal(t, "daily-report", jobs[0].Name)
	assert.Equal(t, "0 9 * * *", jobs[0].Schedule)
	assert.NotEmpty(t, jobs[0].NextRunAt)

	next, err := time.Parse(time.RFC3339, jobs[0].NextRunAt)
	require.NoError(t, err)
	assert.True(t, next.After(time.Now()))
}

func TestJobScheduler_AddRejectsBadSchedule(t *testing.T) {
	js := NewJobScheduler()
	defer js.Stop()

	err := js.Add(wire.NewJobPush("bad", "not a cron expression", "p", "", ""))
	assert.Error(t, err)
	assert.Empty(t, js.List())
}

func TestJobScheduler_AddReplacesSameName(t *testing.T) {
	js := NewJobScheduler()
	defer js.Stop()

	require.NoError(t, js.Add(wire.NewJobPush("job-a", "0 9 * * *", "first", "", "")))
	require.NoError(t, js.Add(wire.NewJobPush("job-a", "0 10 * * *", "second", "", "")))

	jobs := js.List()
	require.Len(t, jobs, 1)
	assert.Equal(t, "0 10 * * *", jobs[0].Schedule)
	assert.Equal(t, "second", jobs[0].Prompt)
}

func TestJobScheduler_Remove(t *testing.T) {
	js := NewJobScheduler()
	defer js.Stop()

	require.NoError(t, js.Add(wire.NewJobPush("job-a", "0 9 * * *", "first", "", "")))
	js.Remove("job-a")
	assert.Empty(t, js.List())

	// removing an unknown name is a no-op, not an error
	js.Remove("never-existed")
}
