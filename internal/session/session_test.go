package session_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annotline/internal/domain"
	"annotline/internal/engine"
	"annotline/internal/session"
	"annotline/internal/testsupport"
)

var _ session.TaskManager = engine.Engine{}

func setup(t *testing.T, frames int) (engine.Engine, *testsupport.Clock, domain.Project) {
	t.Helper()
	clock := testsupport.NewClock(testsupport.Epoch)
	eng := testsupport.NewEngine(t, clock)
	p, _ := testsupport.SeedProject(t, eng, frames)
	return eng, clock, p
}

func TestSubmitCommitsDrafts(t *testing.T) {
	eng, _, p := setup(t, 2)
	ctx := context.Background()

	s, err := session.Begin(ctx, eng, p.ID, "A")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "ball", s.Category())
	assert.Equal(t, s.Task().MediaID, s.Media().ID)

	_, err = s.AddBox(domain.Box{X1: 10, Y1: 10, X2: 50, Y2: 50})
	require.NoError(t, err)
	require.NoError(t, s.SetCategory("bat"))
	idx, err := s.AddBox(domain.Box{X1: 100, Y1: 80, X2: 180, Y2: 95})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	_, err = s.AddBox(domain.Box{X1: 5, Y1: 5, X2: 1, Y2: 9})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = s.AddBox(domain.Box{X1: 0, Y1: 0, X2: math.Inf(1), Y2: 5})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = s.AddBox(domain.Box{X1: math.NaN(), Y1: 0, X2: 5, Y2: 5})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.ErrorIs(t, s.SetCategory("umpire"), domain.ErrValidation)
	assert.Len(t, s.Drafts(), 2)

	committed, err := s.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCommitted, committed.State)
	require.Len(t, committed.Annotations, 2)
	assert.Equal(t, "ball", committed.Annotations[0].Category)
	assert.Equal(t, "bat", committed.Annotations[1].Category)
	assert.True(t, s.Closed())

	_, err = s.AddBox(domain.Box{X1: 1, Y1: 1, X2: 2, Y2: 2})
	assert.ErrorIs(t, err, session.ErrSessionClosed)
	_, err = s.Submit(ctx)
	assert.ErrorIs(t, err, session.ErrSessionClosed)

	rec, err := eng.GetSession(ctx, s.ID())
	require.NoError(t, err)
	assert.NotNil(t, rec.EndedAt)
}

func TestDiscardReleasesTaskAndDrafts(t *testing.T) {
	eng, _, p := setup(t, 1)
	ctx := context.Background()

	s, err := session.Begin(ctx, eng, p.ID, "A")
	require.NoError(t, err)
	_, err = s.AddBox(domain.Box{X1: 1, Y1: 1, X2: 2, Y2: 2})
	require.NoError(t, err)
	require.NoError(t, s.RemoveBox(0))
	assert.ErrorIs(t, s.RemoveBox(0), domain.ErrValidation)
	_, err = s.AddBox(domain.Box{X1: 1, Y1: 1, X2: 2, Y2: 2})
	require.NoError(t, err)

	require.NoError(t, s.Discard(ctx))
	assert.Empty(t, s.Drafts())

	next, err := session.Begin(ctx, eng, p.ID, "B")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, s.Task().ID, next.Task().ID)
	assert.Empty(t, next.Drafts(), "partial work is not carried to the next holder")
}

func TestBeginWithNoWork(t *testing.T) {
	eng, _, p := setup(t, 0)
	ctx := context.Background()
	s, err := session.Begin(ctx, eng, p.ID, "A")
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = session.Begin(ctx, eng, p.ID+1, "A")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExpiredLeaseClosesSession(t *testing.T) {
	eng, clock, p := setup(t, 1)
	ctx := context.Background()
	s, err := session.Begin(ctx, eng, p.ID, "A")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	require.NoError(t, s.Renew(ctx))
	assert.True(t, s.Task().LeaseExpiresAt.Equal(testsupport.Epoch.Add(40*time.Minute)))

	clock.Advance(41 * time.Minute)
	_, err = s.AddBox(domain.Box{X1: 1, Y1: 1, X2: 2, Y2: 2})
	require.NoError(t, err)
	_, err = s.Submit(ctx)
	assert.ErrorIs(t, err, domain.ErrExpiredLease)
	assert.True(t, s.Closed())
}

func TestSessionKeepsCategoriesFromBegin(t *testing.T) {
	eng, _, p := setup(t, 1)
	ctx := context.Background()
	s, err := session.Begin(ctx, eng, p.ID, "A")
	require.NoError(t, err)

	_, err = eng.AddCategories(ctx, p.ID, []string{"glove"})
	require.NoError(t, err)
	require.ErrorIs(t, s.SetCategory("glove"), domain.ErrValidation, "session keeps the category list it started with")

	_, err = s.Submit(ctx)
	require.NoError(t, err)
}

type rejectingTM struct {
	engine.Engine
	commits int
}

func (r *rejectingTM) CommitTask(ctx context.Context, taskID int64, userID string, anns []domain.Annotation) (domain.Task, error) {
	r.commits++
	if r.commits == 1 {
		return domain.Task{}, domain.ErrValidation
	}
	return r.Engine.CommitTask(ctx, taskID, userID, anns)
}

func TestSubmitValidationKeepsSessionOpen(t *testing.T) {
	eng, _, p := setup(t, 1)
	ctx := context.Background()
	tm := &rejectingTM{Engine: eng}
	s, err := session.Begin(ctx, tm, p.ID, "A")
	require.NoError(t, err)
	_, err = s.AddBox(domain.Box{X1: 1, Y1: 1, X2: 2, Y2: 2})
	require.NoError(t, err)

	_, err = s.Submit(ctx)
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.False(t, s.Closed())
	assert.Len(t, s.Drafts(), 1)

	committed, err := s.Submit(ctx)
	require.NoError(t, err)
	assert.Len(t, committed.Annotations, 1)
}
