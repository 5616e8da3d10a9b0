package dispatch_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"

	"github.com/tomgreer/redrive/internal/command"
	"github.com/tomgreer/redrive/internal/config"
	"github.com/tomgreer/redrive/internal/dispatch"
	"github.com/tomgreer/redrive/internal/dispatch/mocks"
	"github.com/tomgreer/redrive/internal/gate"
	"github.com/tomgreer/redrive/internal/log"
	"github.com/tomgreer/redrive/internal/state"
	"github.com/tomgreer/redrive/internal/workspace"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

// fakeManager tracks acquire/release pairing without touching disk.
type fakeManager struct {
	mu         sync.Mutex
	acquires   int
	releases   int
	acquireErr error
}

func (f *fakeManager) Acquire(ctx context.Context, taskID, revision string) (workspace.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return workspace.Workspace{}, f.acquireErr
	}
	f.acquires++
	return workspace.Workspace{TaskID: taskID, Dir: "/tmp/fake/" + taskID}, nil
}

func (f *fakeManager) Release(ws workspace.Workspace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return nil
}

func (f *fakeManager) Cleanup(ctx context.Context, olderThan time.Duration) (workspace.CleanupReport, error) {
	return workspace.CleanupReport{}, nil
}

// fakeTarget is an in-memory side-effect collaborator.
type fakeTarget struct {
	mu        sync.Mutex
	markers   map[string]bool
	performed int
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{markers: make(map[string]bool)}
}

func (f *fakeTarget) HasMarker(ctx context.Context, taskID, marker string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markers[marker], nil
}

func (f *fakeTarget) Perform(ctx context.Context, a gate.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.performed++
	f.markers[a.Marker] = true
	return nil
}

type fixture struct {
	cfg      config.DispatchConfig
	store    state.Store
	runner   *command.FakeRunner
	manager  *fakeManager
	target   *fakeTarget
	source   *mocks.MockSource
	notifier *mocks.MockNotifier
	disp     *dispatch.Dispatcher
}

func newFixture(t *testing.T, ctrl *gomock.Controller, cfg config.DispatchConfig, runner *command.FakeRunner) *fixture {
	t.Helper()

	st, err := state.OpenFileStore(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("OpenFileStore() error = %v", err)
	}

	f := &fixture{
		cfg:      cfg,
		store:    st,
		runner:   runner,
		manager:  &fakeManager{},
		target:   newFakeTarget(),
		source:   mocks.NewMockSource(ctrl),
		notifier: mocks.NewMockNotifier(ctrl),
	}
	f.disp = dispatch.New(cfg, st, runner, f.manager, gate.New(f.target, cfg.IdempotencyFailurePolicy),
		f.source, f.notifier, nil)
	f.disp.SetOutput(&bytes.Buffer{})
	return f
}

func testConfig() config.DispatchConfig {
	return config.DispatchConfig{
		Command:                  []string{"review-tool"},
		BatchSizeCap:             10,
		CooldownWindow:           time.Hour,
		MaxAttempts:              3,
		PerTaskTimeout:           time.Minute,
		ActivityWindow:           24 * time.Hour,
		IdempotencyFailurePolicy: config.PolicyProceed,
	}
}

func readyTask(id string) dispatch.Task {
	return dispatch.Task{ID: id, Revision: "rev-a", LastActivity: time.Now(), Ready: true}
}

func successCalls(n int) []command.FakeCall {
	calls := make([]command.FakeCall, n)
	for i := range calls {
		calls[i] = command.FakeCall{Result: command.Result{Outcome: command.Success, Output: "ok"}}
	}
	return calls
}

func TestRunBatchCapDefersRemainder(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	cfg := testConfig()
	cfg.BatchSizeCap = 2

	f := newFixture(t, ctrl, cfg, command.NewFakeRunner(successCalls(2)...))
	tasks := []dispatch.Task{
		readyTask("t1"), readyTask("t2"), readyTask("t3"), readyTask("t4"), readyTask("t5"),
	}
	f.source.EXPECT().List(gomock.Any(), gomock.Any()).Return(tasks, nil)

	summary, err := f.disp.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Admitted != 2 {
		t.Fatalf("Admitted = %d, want 2", summary.Admitted)
	}
	if summary.SkippedBatchCap != 3 {
		t.Fatalf("SkippedBatchCap = %d, want 3", summary.SkippedBatchCap)
	}
	if f.runner.Calls() != 2 {
		t.Fatalf("runner invoked %d times, want 2", f.runner.Calls())
	}
}

func TestRunFailureConsumesAttemptBudget(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newFixture(t, ctrl, testConfig(), command.NewFakeRunner(
		command.FakeCall{Result: command.Result{Outcome: command.Failure, ExitCode: 2}},
	))
	f.source.EXPECT().List(gomock.Any(), gomock.Any()).Return([]dispatch.Task{readyTask("t1")}, nil)

	summary, err := f.disp.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Retried != 1 {
		t.Fatalf("Retried = %d, want 1", summary.Retried)
	}

	attempts, err := f.store.Attempts(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Attempts() error = %v", err)
	}
	if attempts != 1 {
		t.Fatalf("Attempts() = %d, want 1", attempts)
	}
}

func TestRunConsecutiveFailuresAccumulate(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	cfg := testConfig()
	cfg.MaxAttempts = 5
	failure := command.FakeCall{Result: command.Result{Outcome: command.Failure, ExitCode: 1}}

	f := newFixture(t, ctrl, cfg, command.NewFakeRunner(failure, failure, failure))
	f.source.EXPECT().List(gomock.Any(), gomock.Any()).
		Return([]dispatch.Task{readyTask("t1")}, nil).Times(3)

	for run := 1; run <= 3; run++ {
		if _, err := f.disp.Run(context.Background()); err != nil {
			t.Fatalf("Run() #%d error = %v", run, err)
		}
		attempts, err := f.store.Attempts(context.Background(), "t1")
		if err != nil {
			t.Fatalf("Attempts() error = %v", err)
		}
		if attempts != run {
			t.Fatalf("Attempts() after run %d = %d, want %d", run, attempts, run)
		}
	}
}

func TestRunTimeoutIsCompensated(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newFixture(t, ctrl, testConfig(), command.NewFakeRunner(
		command.FakeCall{Result: command.Result{Outcome: command.Timeout}},
		command.FakeCall{Result: command.Result{Outcome: command.Timeout}},
	))
	f.source.EXPECT().List(gomock.Any(), gomock.Any()).
		Return([]dispatch.Task{readyTask("t1")}, nil).Times(2)

	// Any number of timeouts in a row must leave the counter at 0.
	for run := 1; run <= 2; run++ {
		summary, err := f.disp.Run(context.Background())
		if err != nil {
			t.Fatalf("Run() #%d error = %v", run, err)
		}
		if summary.TimedOut != 1 {
			t.Fatalf("TimedOut = %d, want 1", summary.TimedOut)
		}
		attempts, err := f.store.Attempts(context.Background(), "t1")
		if err != nil {
			t.Fatalf("Attempts() error = %v", err)
		}
		if attempts != 0 {
			t.Fatalf("Attempts() after timeout run %d = %d, want 0", run, attempts)
		}
	}
}

func TestRunTimeoutThenSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newFixture(t, ctrl, testConfig(), command.NewFakeRunner(
		command.FakeCall{Result: command.Result{Outcome: command.Timeout}},
		command.FakeCall{Result: command.Result{Outcome: command.Success, Output: "ok"}},
	))
	f.source.EXPECT().List(gomock.Any(), gomock.Any()).
		Return([]dispatch.Task{readyTask("t1")}, nil).Times(2)

	run1 := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	run2 := run1.Add(2 * time.Hour)

	f.disp.SetClock(func() time.Time { return run1 })
	if _, err := f.disp.Run(context.Background()); err != nil {
		t.Fatalf("Run() #1 error = %v", err)
	}

	f.disp.SetClock(func() time.Time { return run2 })
	summary, err := f.disp.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() #2 error = %v", err)
	}
	if summary.Succeeded != 1 {
		t.Fatalf("Succeeded = %d, want 1", summary.Succeeded)
	}

	attempts, err := f.store.Attempts(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Attempts() error = %v", err)
	}
	if attempts != 0 {
		t.Fatalf("Attempts() = %d, want 0", attempts)
	}
	last, ok, err := f.store.LastProcessed(context.Background(), "t1")
	if err != nil || !ok {
		t.Fatalf("LastProcessed() = (%v, %v), want run 2 time", ok, err)
	}
	if !last.Equal(run2) {
		t.Fatalf("LastProcessed() = %v, want %v", last, run2)
	}
}

func TestRunEscalatesWhenBudgetExhausted(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	cfg := testConfig()
	cfg.MaxAttempts = 3
	failure := command.FakeCall{Result: command.Result{Outcome: command.Failure, ExitCode: 1}}

	f := newFixture(t, ctrl, cfg, command.NewFakeRunner(failure, failure, failure))
	f.source.EXPECT().List(gomock.Any(), gomock.Any()).
		Return([]dispatch.Task{readyTask("t1")}, nil).Times(4)
	f.notifier.EXPECT().Escalate(gomock.Any(), "t1", gomock.Any(), 3).Return(nil).Times(1)

	// Runs 1-3 fail; run 4 must escalate without executing.
	for run := 1; run <= 3; run++ {
		if _, err := f.disp.Run(context.Background()); err != nil {
			t.Fatalf("Run() #%d error = %v", run, err)
		}
	}
	summary, err := f.disp.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() #4 error = %v", err)
	}
	if summary.Escalated != 1 {
		t.Fatalf("Escalated = %d, want 1", summary.Escalated)
	}
	if f.runner.Calls() != 3 {
		t.Fatalf("runner invoked %d times, want 3 (escalation must not execute)", f.runner.Calls())
	}

	// Escalation resets the budget so the next natural trigger is eligible.
	attempts, err := f.store.Attempts(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Attempts() error = %v", err)
	}
	if attempts != 0 {
		t.Fatalf("Attempts() after escalation = %d, want 0", attempts)
	}
}

func TestRunCooldownBoundary(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	cfg := testConfig()
	cfg.CooldownWindow = time.Hour

	f := newFixture(t, ctrl, cfg, command.NewFakeRunner(successCalls(2)...))
	f.source.EXPECT().List(gomock.Any(), gomock.Any()).
		Return([]dispatch.Task{readyTask("t1")}, nil).Times(3)

	t0 := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	f.disp.SetClock(func() time.Time { return t0 })
	if _, err := f.disp.Run(context.Background()); err != nil {
		t.Fatalf("Run() #1 error = %v", err)
	}

	// One second inside the window: still cooling down.
	f.disp.SetClock(func() time.Time { return t0.Add(time.Hour - time.Second) })
	summary, err := f.disp.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() #2 error = %v", err)
	}
	if summary.SkippedCooldown != 1 || summary.Admitted != 0 {
		t.Fatalf("inside window: summary = %+v, want one cooldown skip", summary)
	}

	// Exactly at the window boundary: eligible again.
	f.disp.SetClock(func() time.Time { return t0.Add(time.Hour) })
	summary, err = f.disp.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() #3 error = %v", err)
	}
	if summary.Admitted != 1 {
		t.Fatalf("at window: Admitted = %d, want 1", summary.Admitted)
	}
}

func TestRunReleasesWorkspaceOnEveryPath(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newFixture(t, ctrl, testConfig(), command.NewFakeRunner(
		command.FakeCall{Result: command.Result{Outcome: command.Success, Output: "ok"}},
		command.FakeCall{Result: command.Result{Outcome: command.Failure, ExitCode: 1}},
		command.FakeCall{Result: command.Result{Outcome: command.Timeout}},
		command.FakeCall{Err: errors.New("spawn exploded")},
	))
	f.source.EXPECT().List(gomock.Any(), gomock.Any()).Return([]dispatch.Task{
		readyTask("t1"), readyTask("t2"), readyTask("t3"), readyTask("t4"),
	}, nil)

	if _, err := f.disp.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if f.manager.acquires != 4 {
		t.Fatalf("acquires = %d, want 4", f.manager.acquires)
	}
	if f.manager.releases != f.manager.acquires {
		t.Fatalf("releases = %d, want %d (exactly once per acquire)",
			f.manager.releases, f.manager.acquires)
	}
}

func TestRunWorkspaceFailureCountsAsExecutionFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newFixture(t, ctrl, testConfig(), command.NewFakeRunner())
	f.manager.acquireErr = errors.New("clone refused")
	f.source.EXPECT().List(gomock.Any(), gomock.Any()).Return([]dispatch.Task{readyTask("t1")}, nil)

	summary, err := f.disp.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Retried != 1 {
		t.Fatalf("Retried = %d, want 1", summary.Retried)
	}

	// The attempt stands: acquisition failures consume budget, unlike timeouts.
	attempts, err := f.store.Attempts(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Attempts() error = %v", err)
	}
	if attempts != 1 {
		t.Fatalf("Attempts() = %d, want 1", attempts)
	}
	if f.runner.Calls() != 0 {
		t.Fatalf("runner invoked %d times, want 0", f.runner.Calls())
	}
}

func TestRunSideEffectIsIdempotentPerRevision(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	cfg := testConfig()
	cfg.CooldownWindow = 0 // reprocess immediately

	f := newFixture(t, ctrl, cfg, command.NewFakeRunner(successCalls(2)...))
	f.source.EXPECT().List(gomock.Any(), gomock.Any()).
		Return([]dispatch.Task{readyTask("t1")}, nil).Times(2)

	for run := 1; run <= 2; run++ {
		summary, err := f.disp.Run(context.Background())
		if err != nil {
			t.Fatalf("Run() #%d error = %v", run, err)
		}
		if summary.Succeeded != 1 {
			t.Fatalf("Succeeded = %d, want 1", summary.Succeeded)
		}
	}

	// Same revision both times: exactly one effect at the target.
	if f.target.performed != 1 {
		t.Fatalf("target performed %d effects, want 1", f.target.performed)
	}
}

func TestRunExcludesNotReadyTasks(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newFixture(t, ctrl, testConfig(), command.NewFakeRunner(successCalls(1)...))
	notReady := readyTask("t2")
	notReady.Ready = false
	f.source.EXPECT().List(gomock.Any(), gomock.Any()).
		Return([]dispatch.Task{readyTask("t1"), notReady}, nil)

	summary, err := f.disp.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Admitted != 1 {
		t.Fatalf("Admitted = %d, want 1", summary.Admitted)
	}
}

func TestRunDiscoveryFailureAbortsBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newFixture(t, ctrl, testConfig(), command.NewFakeRunner())
	f.source.EXPECT().List(gomock.Any(), gomock.Any()).
		Return(nil, fmt.Errorf("discovery API down"))

	if _, err := f.disp.Run(context.Background()); err == nil {
		t.Fatalf("Run() expected discovery error")
	}
}
