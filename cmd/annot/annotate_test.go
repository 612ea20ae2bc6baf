package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annotline/internal/domain"
	"annotline/internal/testsupport"
)

func TestRunAnnotateSubmitsAndSkips(t *testing.T) {
	ctx := context.Background()
	eng := testsupport.NewEngine(t, testsupport.NewClock(testsupport.Epoch))
	p, ids := testsupport.SeedProject(t, eng, 3)

	script := strings.Join([]string{
		"box 10 10 50 40",
		"category bat",
		"box 60 60 90 100",
		"box 5 5 1 1", // rejected, session stays open
		"remove 0",
		"submit",
		"skip",
		"submit",
		"quit",
	}, "\n")
	var out bytes.Buffer
	require.NoError(t, runAnnotate(ctx, eng, p.ID, "A", strings.NewReader(script), &out))

	first, err := eng.GetTask(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCommitted, first.State)
	require.Len(t, first.Annotations, 1)
	assert.Equal(t, "bat", first.Annotations[0].Category)

	second, err := eng.GetTask(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCommitted, second.State, "skipped task was handed out again and committed empty")
	assert.Empty(t, second.Annotations)

	third, err := eng.GetTask(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAvailable, third.State, "quit abandons the open task")
	assert.Contains(t, out.String(), "error:")
}

func TestRunAnnotateStopsWhenPoolIsEmpty(t *testing.T) {
	ctx := context.Background()
	eng := testsupport.NewEngine(t, testsupport.NewClock(testsupport.Epoch))
	p, _ := testsupport.SeedProject(t, eng, 1)

	var out bytes.Buffer
	require.NoError(t, runAnnotate(ctx, eng, p.ID, "A", strings.NewReader("submit\n"), &out))
	assert.Contains(t, out.String(), "no tasks available")
}

func TestRunAnnotateDiscardsOnEOF(t *testing.T) {
	ctx := context.Background()
	eng := testsupport.NewEngine(t, testsupport.NewClock(testsupport.Epoch))
	p, ids := testsupport.SeedProject(t, eng, 1)

	var out bytes.Buffer
	require.NoError(t, runAnnotate(ctx, eng, p.ID, "A", strings.NewReader("box 1 1 2 2\n"), &out))
	got, err := eng.GetTask(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAvailable, got.State)
}

func TestParseBox(t *testing.T) {
	a, err := parseBox("ball: 1,2.5,3,4")
	require.NoError(t, err)
	assert.Equal(t, "ball", a.Category)
	assert.Equal(t, domain.Box{X1: 1, Y1: 2.5, X2: 3, Y2: 4}, a.Box)

	for _, bad := range []string{"ball", "ball:1,2,3", "ball:a,b,c,d"} {
		_, err := parseBox(bad)
		assert.ErrorIs(t, err, domain.ErrValidation, bad)
	}
}

func TestReadAnnotationsFromStdin(t *testing.T) {
	in := strings.NewReader(`[{"category":"ball","box":{"x1":1,"y1":1,"x2":5,"y2":5}}]`)
	got, err := readAnnotations(in, "-", nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 5.0, got[0].Box.X2)

	empty, err := readAnnotations(nil, "", nil)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestExitCodeByErrorKind(t *testing.T) {
	assert.Equal(t, exitLeaseMismatch, exitCode(domain.ErrLeaseMismatch))
	assert.Equal(t, exitExpiredLease, exitCode(domain.ErrExpiredLease))
	assert.Equal(t, exitAlreadyCommitted, exitCode(domain.ErrAlreadyCommitted))
	assert.Equal(t, exitValidation, exitCode(domain.ErrDuplicateMedia))
	assert.Equal(t, exitFailure, exitCode(assert.AnError))
}
