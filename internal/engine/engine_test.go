package engine_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annotline/internal/domain"
	"annotline/internal/engine"
	"annotline/internal/metrics"
	"annotline/internal/repo"
	"annotline/internal/testsupport"
)

type testEnv struct {
	Engine  engine.Engine
	Clock   *testsupport.Clock
	Ctx     context.Context
	Project domain.Project
	Tasks   []int64
}

func newTestEnv(t *testing.T, frames int) testEnv {
	t.Helper()
	clock := testsupport.NewClock(testsupport.Epoch)
	eng := testsupport.NewEngine(t, clock)
	p, ids := testsupport.SeedProject(t, eng, frames)
	return testEnv{Engine: eng, Clock: clock, Ctx: context.Background(), Project: p, Tasks: ids}
}

func ball(x1, y1, x2, y2 float64) domain.Annotation {
	return domain.Annotation{Category: "ball", Box: domain.Box{X1: x1, Y1: y1, X2: x2, Y2: y2}}
}

func TestCreateProjectValidation(t *testing.T) {
	eng := testsupport.NewEngine(t, testsupport.NewClock(testsupport.Epoch))
	ctx := context.Background()
	cases := map[string]struct {
		name string
		typ  domain.ProjectType
		cats []string
	}{
		"no categories":  {"p", domain.ProjectDetection, nil},
		"duplicate":      {"p", domain.ProjectDetection, []string{"ball", "ball"}},
		"blank category": {"p", domain.ProjectDetection, []string{"ball", "  "}},
		"blank name":     {" ", domain.ProjectDetection, []string{"ball"}},
		"unknown type":   {"p", domain.ProjectType("segmentation"), []string{"ball"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := eng.CreateProject(ctx, tc.name, tc.typ, tc.cats)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	p, err := eng.CreateProject(ctx, "pitching", domain.ProjectClassification, []string{"strike", "ball", "foul"})
	require.NoError(t, err)
	assert.Equal(t, []string{"strike", "ball", "foul"}, p.Categories)
	assert.Equal(t, domain.ProjectClassification, p.Type)

	got, err := eng.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Categories, got.Categories)

	_, err = eng.GetProject(ctx, p.ID+100)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAddCategoriesRefreshesCommitValidation(t *testing.T) {
	env := newTestEnv(t, 2)
	task, err := env.Engine.RequestTask(env.Ctx, env.Project.ID, "A")
	require.NoError(t, err)
	require.NotNil(t, task)

	glove := domain.Annotation{Category: "glove", Box: domain.Box{X1: 1, Y1: 1, X2: 5, Y2: 5}}
	_, err = env.Engine.CommitTask(env.Ctx, task.ID, "A", []domain.Annotation{glove})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.Engine.AddCategories(env.Ctx, env.Project.ID, []string{"bat"})
	assert.ErrorIs(t, err, domain.ErrValidation, "duplicate of existing category")
	p, err := env.Engine.AddCategories(env.Ctx, env.Project.ID, []string{"glove"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ball", "bat", "glove"}, p.Categories)

	committed, err := env.Engine.CommitTask(env.Ctx, task.ID, "A", []domain.Annotation{glove})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCommitted, committed.State)

	_, err = env.Engine.AddCategories(env.Ctx, 999, []string{"x"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIngestMedia(t *testing.T) {
	env := newTestEnv(t, 0)
	frame := 3
	m, err := env.Engine.IngestMedia(env.Ctx, env.Project.ID, domain.MediaDescriptor{Path: "a.jpg", SourceVideo: "v.mp4", FrameIndex: &frame})
	require.NoError(t, err)
	assert.Equal(t, "a.jpg", m.Path)
	require.NotNil(t, m.FrameIndex)
	assert.Equal(t, 3, *m.FrameIndex)

	tasks, err := env.Engine.ListTasks(env.Ctx, env.Project.ID, domain.TaskAvailable)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, m.ID, tasks[0].MediaID)
	assert.Nil(t, tasks[0].LeaseHolder)
	assert.Nil(t, tasks[0].Annotations)

	_, err = env.Engine.IngestMedia(env.Ctx, env.Project.ID, domain.MediaDescriptor{Path: "a.jpg"})
	assert.ErrorIs(t, err, domain.ErrDuplicateMedia)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.Engine.IngestMedia(env.Ctx, env.Project.ID, domain.MediaDescriptor{Path: ""})
	assert.ErrorIs(t, err, domain.ErrValidation)
	neg := -1
	_, err = env.Engine.IngestMedia(env.Ctx, env.Project.ID, domain.MediaDescriptor{Path: "b.jpg", FrameIndex: &neg})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.IngestMedia(env.Ctx, env.Project.ID+1, domain.MediaDescriptor{Path: "b.jpg"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, err := env.Engine.GetMedia(env.Ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "v.mp4", got.SourceVideo)
	_, err = env.Engine.GetMedia(env.Ctx, m.ID+1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTwoAnnotatorScenario(t *testing.T) {
	env := newTestEnv(t, 2)
	t1, t2 := env.Tasks[0], env.Tasks[1]

	a, err := env.Engine.RequestTask(env.Ctx, env.Project.ID, "A")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, t1, a.ID)
	assert.Equal(t, domain.TaskLeased, a.State)
	require.NotNil(t, a.LeaseHolder)
	assert.Equal(t, "A", *a.LeaseHolder)
	require.NotNil(t, a.LeaseExpiresAt)
	assert.True(t, a.LeaseExpiresAt.Equal(testsupport.Epoch.Add(30*time.Minute)))

	b, err := env.Engine.RequestTask(env.Ctx, env.Project.ID, "B")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, t2, b.ID)

	committed, err := env.Engine.CommitTask(env.Ctx, t1, "A", []domain.Annotation{ball(10, 10, 50, 50)})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCommitted, committed.State)
	require.Len(t, committed.Annotations, 1)
	assert.Equal(t, "ball", committed.Annotations[0].Category)
	assert.Equal(t, "A", committed.Annotations[0].CreatedBy)
	assert.Nil(t, committed.LeaseHolder)
	assert.Nil(t, committed.LeaseExpiresAt)

	none, err := env.Engine.RequestTask(env.Ctx, env.Project.ID, "A")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestCommittedTaskRejectsFurtherTransitions(t *testing.T) {
	env := newTestEnv(t, 1)
	task, err := env.Engine.RequestTask(env.Ctx, env.Project.ID, "A")
	require.NoError(t, err)
	_, err = env.Engine.CommitTask(env.Ctx, task.ID, "A", []domain.Annotation{ball(1, 1, 2, 2)})
	require.NoError(t, err)

	_, err = env.Engine.CommitTask(env.Ctx, task.ID, "A", []domain.Annotation{ball(3, 3, 4, 4)})
	assert.ErrorIs(t, err, domain.ErrAlreadyCommitted)
	_, err = env.Engine.AbandonTask(env.Ctx, task.ID, "A")
	assert.ErrorIs(t, err, domain.ErrAlreadyCommitted)
	_, err = env.Engine.RenewLease(env.Ctx, task.ID, "A")
	assert.ErrorIs(t, err, domain.ErrAlreadyCommitted)
	_, err = env.Engine.CommitTask(env.Ctx, task.ID, "B", nil)
	assert.ErrorIs(t, err, domain.ErrAlreadyCommitted)

	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got.Annotations, 1)
	assert.Equal(t, domain.Box{X1: 1, Y1: 1, X2: 2, Y2: 2}, got.Annotations[0].Box)
}

func TestEmptyCommitRecordsNothingInFrame(t *testing.T) {
	env := newTestEnv(t, 1)
	task, err := env.Engine.RequestTask(env.Ctx, env.Project.ID, "A")
	require.NoError(t, err)
	committed, err := env.Engine.CommitTask(env.Ctx, task.ID, "A", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCommitted, committed.State)
	assert.NotNil(t, committed.Annotations)
	assert.Empty(t, committed.Annotations)
}

func TestCommitValidationLeavesLeaseIntact(t *testing.T) {
	env := newTestEnv(t, 1)
	task, err := env.Engine.RequestTask(env.Ctx, env.Project.ID, "A")
	require.NoError(t, err)

	_, err = env.Engine.CommitTask(env.Ctx, task.ID, "A", []domain.Annotation{{Category: "umpire", Box: domain.Box{X1: 1, Y1: 1, X2: 2, Y2: 2}}})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.CommitTask(env.Ctx, task.ID, "A", []domain.Annotation{ball(50, 10, 10, 50)})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.CommitTask(env.Ctx, task.ID, "A", []domain.Annotation{ball(10, 10, 10, 50)})
	assert.ErrorIs(t, err, domain.ErrValidation)
	for _, box := range []domain.Annotation{ball(0, 0, math.Inf(1), 5), ball(math.Inf(-1), 0, 5, 5), ball(0, math.NaN(), 5, 5)} {
		_, err = env.Engine.CommitTask(env.Ctx, task.ID, "A", []domain.Annotation{box})
		assert.ErrorIs(t, err, domain.ErrValidation, "%+v", box.Box)
	}

	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskLeased, got.State)
	assert.True(t, got.HeldBy("A", env.Clock.Now()))
}

func TestUserIDIsNormalizedForEveryLeaseOperation(t *testing.T) {
	env := newTestEnv(t, 2)
	task, err := env.Engine.RequestTask(env.Ctx, env.Project.ID, " alice ")
	require.NoError(t, err)
	require.Equal(t, "alice", *task.LeaseHolder)

	_, err = env.Engine.RenewLease(env.Ctx, task.ID, " alice ")
	require.NoError(t, err)
	_, err = env.Engine.CommitTask(env.Ctx, task.ID, "alice\t", nil)
	require.NoError(t, err)

	other, err := env.Engine.RequestTask(env.Ctx, env.Project.ID, "alice")
	require.NoError(t, err)
	_, err = env.Engine.AbandonTask(env.Ctx, other.ID, "  alice")
	require.NoError(t, err)

	_, err = env.Engine.RenewLease(env.Ctx, other.ID, "   ")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.CommitTask(env.Ctx, other.ID, "", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.AbandonTask(env.Ctx, other.ID, " ")
	assert.ErrorIs(t, err, domain.ErrValidation)

	s, err := env.Engine.OpenSession(env.Ctx, " bob ")
	require.NoError(t, err)
	assert.Equal(t, "bob", s.UserID)
}

func TestAbandonReturnsTaskAtOriginalPosition(t *testing.T) {
	env := newTestEnv(t, 3)
	first, err := env.Engine.RequestTask(env.Ctx, env.Project.ID, "A")
	require.NoError(t, err)
	second, err := env.Engine.RequestTask(env.Ctx, env.Project.ID, "B")
	require.NoError(t, err)
	require.Equal(t, env.Tasks[1], second.ID)

	abandoned, err := env.Engine.AbandonTask(env.Ctx, first.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAvailable, abandoned.State)
	assert.Nil(t, abandoned.LeaseHolder)
	assert.Nil(t, abandoned.LeaseExpiresAt)

	again, err := env.Engine.RequestTask(env.Ctx, env.Project.ID, "C")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, first.ID, again.ID, "released task re-enters at its original id")

	_, err = env.Engine.CommitTask(env.Ctx, first.ID, "A", nil)
	assert.ErrorIs(t, err, domain.ErrLeaseMismatch)
}

func TestRenewLease(t *testing.T) {
	env := newTestEnv(t, 1)
	task, err := env.Engine.RequestTask(env.Ctx, env.Project.ID, "A")
	require.NoError(t, err)

	env.Clock.Advance(20 * time.Minute)
	renewed, err := env.Engine.RenewLease(env.Ctx, task.ID, "A")
	require.NoError(t, err)
	assert.True(t, renewed.LeaseExpiresAt.Equal(testsupport.Epoch.Add(50*time.Minute)))

	_, err = env.Engine.RenewLease(env.Ctx, task.ID, "B")
	assert.ErrorIs(t, err, domain.ErrLeaseMismatch)
	_, err = env.Engine.RenewLease(env.Ctx, task.ID+10, "A")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	env.Clock.Advance(31 * time.Minute)
	_, err = env.Engine.RenewLease(env.Ctx, task.ID, "A")
	assert.ErrorIs(t, err, domain.ErrExpiredLease)
}

func TestExpiredLeaseIsReclaimedLazily(t *testing.T) {
	env := newTestEnv(t, 1)
	task, err := env.Engine.RequestTask(env.Ctx, env.Project.ID, "A")
	require.NoError(t, err)

	none, err := env.Engine.RequestTask(env.Ctx, env.Project.ID, "B")
	require.NoError(t, err)
	assert.Nil(t, none, "live lease is not claimable")

	env.Clock.Advance(30 * time.Minute)
	reclaimed, err := env.Engine.RequestTask(env.Ctx, env.Project.ID, "B")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, task.ID, reclaimed.ID)
	assert.Equal(t, "B", *reclaimed.LeaseHolder)

	for name, op := range map[string]func() error{
		"renew":   func() error { _, err := env.Engine.RenewLease(env.Ctx, task.ID, "A"); return err },
		"commit":  func() error { _, err := env.Engine.CommitTask(env.Ctx, task.ID, "A", nil); return err },
		"abandon": func() error { _, err := env.Engine.AbandonTask(env.Ctx, task.ID, "A"); return err },
	} {
		assert.ErrorIs(t, op(), domain.ErrExpiredLease, name)
	}
	_, err = env.Engine.CommitTask(env.Ctx, task.ID, "C", nil)
	assert.ErrorIs(t, err, domain.ErrLeaseMismatch)

	history, err := env.Engine.LeaseHistory(env.Ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.NotNil(t, history[0].Outcome)
	assert.Equal(t, domain.LeaseReclaimed, *history[0].Outcome)
	assert.Nil(t, history[1].Outcome)
}

func TestCommitAfterExpiryBeforeReclaim(t *testing.T) {
	env := newTestEnv(t, 1)
	task, err := env.Engine.RequestTask(env.Ctx, env.Project.ID, "A")
	require.NoError(t, err)
	env.Clock.Advance(30*time.Minute + time.Second)

	_, err = env.Engine.CommitTask(env.Ctx, task.ID, "A", []domain.Annotation{ball(1, 1, 2, 2)})
	assert.ErrorIs(t, err, domain.ErrExpiredLease)
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskLeased, got.State)
	assert.Nil(t, got.Annotations)
}

func TestRequestTaskErrors(t *testing.T) {
	env := newTestEnv(t, 1)
	_, err := env.Engine.RequestTask(env.Ctx, env.Project.ID+5, "A")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.Engine.RequestTask(env.Ctx, env.Project.ID, "  ")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.ListTasks(env.Ctx, env.Project.ID+5, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTasksAreScopedToProject(t *testing.T) {
	env := newTestEnv(t, 1)
	other, err := env.Engine.CreateProject(env.Ctx, "game-2", domain.ProjectDetection, []string{"ball"})
	require.NoError(t, err)
	none, err := env.Engine.RequestTask(env.Ctx, other.ID, "A")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestProgress(t *testing.T) {
	env := newTestEnv(t, 4)
	for _, user := range []string{"A", "B", "A"} {
		task, err := env.Engine.RequestTask(env.Ctx, env.Project.ID, user)
		require.NoError(t, err)
		if user == "A" {
			_, err = env.Engine.CommitTask(env.Ctx, task.ID, user, []domain.Annotation{ball(1, 1, 2, 2), ball(3, 3, 4, 4)})
			require.NoError(t, err)
		}
	}
	p, err := env.Engine.Progress(env.Ctx, env.Project.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Total)
	assert.Equal(t, 1, p.ByState[domain.TaskAvailable])
	assert.Equal(t, 1, p.ByState[domain.TaskLeased])
	assert.Equal(t, 2, p.ByState[domain.TaskCommitted])
	assert.Equal(t, map[string]int{"A": 2}, p.CommittedByUser)
	assert.Equal(t, 4, p.Annotations)
}

func TestEventsRecordLifecycle(t *testing.T) {
	env := newTestEnv(t, 1)
	task, err := env.Engine.RequestTask(env.Ctx, env.Project.ID, "A")
	require.NoError(t, err)
	_, err = env.Engine.CommitTask(env.Ctx, task.ID, "A", nil)
	require.NoError(t, err)

	evts, err := env.Engine.Events(env.Ctx, repo.EventFilters{ProjectID: env.Project.ID, EntityKind: "task"})
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "task.committed", evts[0].Type)
	assert.Equal(t, "task.leased", evts[1].Type)
	assert.Equal(t, "A", evts[0].ActorID)
}

func TestMetricsTrackTransitions(t *testing.T) {
	env := newTestEnv(t, 1)
	m, err := metrics.NewTaskMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	env.Engine.Metrics = m

	task, err := env.Engine.RequestTask(env.Ctx, env.Project.ID, "A")
	require.NoError(t, err)
	_, err = env.Engine.RequestTask(env.Ctx, env.Project.ID, "B")
	require.NoError(t, err)
	_, err = env.Engine.CommitTask(env.Ctx, task.ID, "B", nil)
	require.Error(t, err)
	_, err = env.Engine.CommitTask(env.Ctx, task.ID, "A", []domain.Annotation{ball(1, 1, 2, 2)})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("granted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("empty")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("leased")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LeaseErrors.WithLabelValues("commit", "lease_mismatch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AnnotationsStored))
}

func TestSessionBoundLease(t *testing.T) {
	env := newTestEnv(t, 2)
	s, err := env.Engine.OpenSession(env.Ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, env.Engine.InstanceID, s.InstanceID)

	task, err := env.Engine.RequestTaskForSession(env.Ctx, env.Project.ID, s.ID)
	require.NoError(t, err)
	require.NotNil(t, task.LeaseSessionID)
	assert.Equal(t, s.ID, *task.LeaseSessionID)
	assert.Equal(t, "A", *task.LeaseHolder)

	open, err := env.Engine.OpenSessions(env.Ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, s.ID, open[0].ID)

	require.NoError(t, env.Engine.CloseSession(env.Ctx, s.ID))
	open, err = env.Engine.OpenSessions(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
	require.NoError(t, env.Engine.CloseSession(env.Ctx, s.ID), "closing twice is a no-op")
	_, err = env.Engine.RequestTaskForSession(env.Ctx, env.Project.ID, s.ID)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.RequestTaskForSession(env.Ctx, env.Project.ID, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.True(t, errors.Is(env.Engine.CloseSession(env.Ctx, "missing"), domain.ErrNotFound))
}
