package accesslog_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmrouter/internal/accesslog"
)

func TestRing_LogAndRecent(t *testing.T) {
	r := accesslog.New(accesslog.DefaultRetention)
	r.Log("10.0.0.1", "llama3", "")
	r.Log("10.0.0.2", "qwen72", "alice")

	entries := r.Recent()
	require.Len(t, entries, 2)
	assert.Equal(t, "10.0.0.1", entries[0].IP)
	assert.Equal(t, "llama3", entries[0].Model)
	assert.Empty(t, entries[0].Username)
	assert.Equal(t, "alice", entries[1].Username)
}

func TestRing_EvictsExpiredFromFront(t *testing.T) {
	r := accesslog.New(30 * time.Millisecond)
	r.Log("10.0.0.1", "llama3", "")

	time.Sleep(50 * time.Millisecond)
	r.Log("10.0.0.2", "llama3", "")

	entries := r.Recent()
	require.Len(t, entries, 1)
	assert.Equal(t, "10.0.0.2", entries[0].IP)
}

func TestRing_Stats(t *testing.T) {
	r := accesslog.New(accesslog.DefaultRetention)
	r.Log("10.0.0.1", "llama3", "alice")
	r.Log("10.0.0.1", "llama3", "alice")
	r.Log("10.0.0.2", "qwen72", "")

	s := r.Stats()
	assert.Equal(t, 3, s.TotalRequests)
	assert.Equal(t, 2, s.UniqueIPs)
	assert.Equal(t, 2, s.UniqueModels)
	assert.Equal(t, 1, s.UniqueUsers)
	assert.Equal(t, 2, s.IPCounts["10.0.0.1"])
	assert.Equal(t, 2, s.ModelCounts["llama3"])
	assert.Equal(t, 2, s.UsernameCounts["alice"])
	require.NotNil(t, s.OldestLog)
	require.NotNil(t, s.NewestLog)
	assert.InDelta(t, 1.0, s.RetentionHours, 0.01)

	// All three land in one or two adjacent minute bins.
	total := 0
	for _, n := range s.TimeSeries {
		total += n
	}
	assert.Equal(t, 3, total)
}

func TestRing_StatsEmpty(t *testing.T) {
	r := accesslog.New(accesslog.DefaultRetention)

	s := r.Stats()
	assert.Zero(t, s.TotalRequests)
	assert.Nil(t, s.OldestLog)
	assert.Nil(t, s.NewestLog)
	assert.Empty(t, s.TimeSeries)
}
