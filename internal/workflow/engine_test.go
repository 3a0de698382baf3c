package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"order-routing/internal/apperrors"
	"order-routing/internal/models"
	"order-routing/internal/store/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trail struct {
	Visited []string `json:"visited"`
}

// countingDef appends each step name to the data and counts executions.
func countingDef(runs map[string]int, failOnce map[string]error) Definition {
	step := func(name string) Step {
		return Step{Name: name, Run: func(ctx context.Context, data []byte) ([]byte, error) {
			runs[name]++
			if err, ok := failOnce[name]; ok {
				delete(failOnce, name)
				return nil, err
			}
			var tr trail
			if len(data) > 0 {
				if err := json.Unmarshal(data, &tr); err != nil {
					return nil, err
				}
			}
			tr.Visited = append(tr.Visited, name)
			return json.Marshal(tr)
		}}
	}
	return Definition{Type: "test", Steps: []Step{step("one"), step("two"), step("three"), step("four")}}
}

func newEngine(st *memstore.Store) *Engine {
	e := NewEngine(st)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return now }
	return e
}

func TestStartRunsAllSteps(t *testing.T) {
	st := memstore.New()
	e := newEngine(st)
	runs := map[string]int{}
	e.Register(countingDef(runs, nil))

	cp, err := e.Start(context.Background(), "wf-1", "test", "order", "1", nil)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, cp.Status)
	assert.Equal(t, "four", cp.CurrentStep)
	assert.JSONEq(t, `{"visited":["one","two","three","four"]}`, string(cp.StepData))

	// starting a completed workflow again is a no-op
	again, err := e.Start(context.Background(), "wf-1", "test", "order", "1", nil)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, again.Status)
	assert.Equal(t, 1, runs["one"])
}

func TestResumeSkipsCompletedSteps(t *testing.T) {
	ctx := context.Background()

	// uninterrupted reference run
	refStore := memstore.New()
	ref := newEngine(refStore)
	ref.Register(countingDef(map[string]int{}, nil))
	refCp, err := ref.Start(ctx, "wf-ref", "test", "order", "1", nil)
	require.NoError(t, err)

	st := memstore.New()
	e := newEngine(st)
	runs := map[string]int{}
	e.Register(countingDef(runs, map[string]error{"three": errors.New("connection reset")}))

	_, err = e.Start(ctx, "wf-1", "test", "order", "1", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))

	cp, err := st.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusRunning, cp.Status)
	assert.Equal(t, "two", cp.CurrentStep)
	assert.Equal(t, "connection reset", cp.LastError)
	assert.Equal(t, "three", e.NextStep(cp))

	require.NoError(t, e.Resume(ctx, cp))

	final, err := st.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, final.Status)
	assert.Equal(t, 1, runs["one"])
	assert.Equal(t, 1, runs["two"])
	assert.Equal(t, 2, runs["three"])
	assert.Equal(t, 1, runs["four"])
	assert.Equal(t, string(refCp.StepData), string(final.StepData))
}

func TestPermanentStepErrorFailsWorkflow(t *testing.T) {
	st := memstore.New()
	e := newEngine(st)
	e.Register(countingDef(map[string]int{}, map[string]error{"two": apperrors.Permanent("test", "bad input")}))

	cp, err := e.Start(context.Background(), "wf-1", "test", "order", "1", nil)
	require.Error(t, err)
	assert.Equal(t, models.WorkflowStatusFailed, cp.Status)

	_, err = e.Start(context.Background(), "wf-1", "test", "order", "1", nil)
	assert.True(t, errors.Is(err, apperrors.ErrPermanent))
}

func TestStartWhileRunningIsConflict(t *testing.T) {
	st := memstore.New()
	e := newEngine(st)
	e.Register(countingDef(map[string]int{}, map[string]error{"one": errors.New("timeout")}))

	_, err := e.Start(context.Background(), "wf-1", "test", "order", "1", nil)
	require.Error(t, err)

	_, err = e.Start(context.Background(), "wf-1", "test", "order", "1", nil)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}

func TestDeterministicID(t *testing.T) {
	a := DeterministicID("vendor_assignment", 42, "all", 1)
	assert.Equal(t, a, DeterministicID("vendor_assignment", 42, "all", 1))
	assert.NotEqual(t, a, DeterministicID("vendor_assignment", 42, "all", 2))
}
