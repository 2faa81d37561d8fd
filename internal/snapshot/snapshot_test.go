package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/examdesk/internal/model"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	r := NewRedis(client, time.Hour)
	t.Cleanup(func() { r.Close() })
	return r, mr
}

func TestRedisRoundTrip(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	remaining := 120

	snap := model.Snapshot{
		Session: model.Session{
			ID:     "s1",
			ExamID: "bio-101",
			UserID: "u1",
			Mode:   model.ModeAssessment,
			Responses: map[string]model.Response{
				"q1": {QuestionID: "q1", Answer: model.TextAnswer("")},
				"q2": {QuestionID: "q2"},
			},
			TimeRemaining: &remaining,
			Status:        model.StatusInProgress,
			StartedAt:     now,
			UpdatedAt:     now,
		},
		FlaggedQuestions: []string{"q1", "q2"},
		SavedAt:          now,
	}

	got, err := r.LoadSnapshot(ctx, "u1", "bio-101")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, r.SaveSnapshot(ctx, snap))
	assert.True(t, mr.Exists("examdesk:snapshot:u1:bio-101"))
	assert.Equal(t, time.Hour, mr.TTL("examdesk:snapshot:u1:bio-101"))

	got, err = r.LoadSnapshot(ctx, "u1", "bio-101")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"q1", "q2"}, got.FlaggedQuestions)
	require.NotNil(t, got.TimeRemaining)
	assert.Equal(t, 120, *got.TimeRemaining)
	// An empty text answer survives as an answer.
	assert.True(t, got.Responses["q1"].Answered())
	assert.False(t, got.Responses["q2"].Answered())

	require.NoError(t, r.ClearSnapshot(ctx, "u1", "bio-101"))
	got, err = r.LoadSnapshot(ctx, "u1", "bio-101")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisClientBadURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestRedisLoadCorrupt(t *testing.T) {
	r, mr := newTestRedis(t)
	require.NoError(t, mr.Set("examdesk:snapshot:u1:e1", "{broken"))
	_, err := r.LoadSnapshot(context.Background(), "u1", "e1")
	assert.Error(t, err)
}
