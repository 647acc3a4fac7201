package domain_test

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ljluestc/canary/internal/domain"
)

var tickCounter atomic.Int64

// syncRunnerImpl executes activities inline with the test's context.
type syncRunnerImpl struct {
	ctx context.Context
	id  int64
}

func (r *syncRunnerImpl) ID() string               { return fmt.Sprintf("tick-%d", r.id) }
func (r *syncRunnerImpl) Context() context.Context { return r.ctx }
func (r *syncRunnerImpl) Run(activity domain.Activity[any, any], in any) (any, error) {
	return activity.Run(r.ctx, in)
}

// memRunRepo is an in-memory RunRepository for state machine tests.
type memRunRepo struct {
	runs map[domain.RunID]domain.RolloutRun
}

func newMemRunRepo() *memRunRepo {
	return &memRunRepo{runs: make(map[domain.RunID]domain.RolloutRun)}
}

func (m *memRunRepo) Create(_ context.Context, run domain.RolloutRun) error {
	if _, ok := m.runs[run.ID]; ok {
		return domain.ErrAlreadyExists
	}
	m.runs[run.ID] = run
	return nil
}

func (m *memRunRepo) Get(_ context.Context, id domain.RunID) (domain.RolloutRun, error) {
	run, ok := m.runs[id]
	if !ok {
		return domain.RolloutRun{}, domain.ErrNotFound
	}
	return run, nil
}

func (m *memRunRepo) GetActiveBySpec(_ context.Context, specID domain.SpecID) (domain.RolloutRun, error) {
	for _, run := range m.runs {
		if run.SpecID == specID && !run.Phase.Terminal() {
			return run, nil
		}
	}
	return domain.RolloutRun{}, domain.ErrNotFound
}

func (m *memRunRepo) ListActive(_ context.Context) ([]domain.RolloutRun, error) {
	var active []domain.RolloutRun
	for _, run := range m.runs {
		if !run.Phase.Terminal() {
			active = append(active, run)
		}
	}
	return active, nil
}

func (m *memRunRepo) ListBySpec(_ context.Context, specID domain.SpecID) ([]domain.RolloutRun, error) {
	var out []domain.RolloutRun
	for _, run := range m.runs {
		if run.SpecID == specID {
			out = append(out, run)
		}
	}
	return out, nil
}

func (m *memRunRepo) SaveTransition(_ context.Context, run domain.RolloutRun, consumed domain.ControlFlags) error {
	stored, ok := m.runs[run.ID]
	if !ok {
		return domain.ErrNotFound
	}
	flags := stored.Control
	if consumed.Promote {
		flags.Promote = false
	}
	if consumed.Resume {
		flags.Resume = false
	}
	if consumed.Pause {
		flags.Pause = false
	}
	if consumed.Abort {
		flags.Abort = false
	}
	run.Control = flags
	m.runs[run.ID] = run
	return nil
}

func (m *memRunRepo) SetControlFlags(_ context.Context, id domain.RunID, flags domain.ControlFlags, abortReason string) error {
	run, ok := m.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	run.Control.Promote = run.Control.Promote || flags.Promote
	run.Control.Resume = run.Control.Resume || flags.Resume
	run.Control.Pause = run.Control.Pause || flags.Pause
	run.Control.Abort = run.Control.Abort || flags.Abort
	if flags.Abort && abortReason != "" {
		run.AbortReason = abortReason
	}
	m.runs[id] = run
	return nil
}

func (m *memRunRepo) AppendHistory(_ context.Context, id domain.RunID, record domain.TransitionRecord) error {
	run, ok := m.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	run.History = append(run.History, record)
	m.runs[id] = run
	return nil
}

// memAnalysisRepo archives analysis runs in memory.
type memAnalysisRepo struct {
	archived []domain.AnalysisRun
}

func (m *memAnalysisRepo) Create(_ context.Context, ar domain.AnalysisRun) error {
	m.archived = append(m.archived, ar)
	return nil
}

func (m *memAnalysisRepo) Get(_ context.Context, id string) (domain.AnalysisRun, error) {
	for _, ar := range m.archived {
		if ar.ID == id {
			return ar, nil
		}
	}
	return domain.AnalysisRun{}, domain.ErrNotFound
}

func (m *memAnalysisRepo) ListByRun(_ context.Context, runID domain.RunID) ([]domain.AnalysisRun, error) {
	var out []domain.AnalysisRun
	for _, ar := range m.archived {
		if ar.RunID == runID {
			out = append(out, ar)
		}
	}
	return out, nil
}

// fakeRouter records routing state changes. Reapplying the current
// state records nothing, mirroring the idempotence contract.
type fakeRouter struct {
	weight   int
	promoted bool
	changes  []string
}

func (f *fakeRouter) SetWeight(_ context.Context, _ domain.RolloutRun, percent int) error {
	if f.weight == percent && !f.promoted {
		return nil
	}
	f.weight = percent
	f.promoted = false
	f.changes = append(f.changes, fmt.Sprintf("weight=%d", percent))
	return nil
}

func (f *fakeRouter) Promote(_ context.Context, _ domain.RolloutRun) error {
	if f.promoted {
		return nil
	}
	f.promoted = true
	f.weight = 100
	f.changes = append(f.changes, "promote")
	return nil
}

func (f *fakeRouter) Rollback(_ context.Context, _ domain.RolloutRun) error {
	if !f.promoted && f.weight == 0 {
		return nil
	}
	f.promoted = false
	f.weight = 0
	f.changes = append(f.changes, "rollback")
	return nil
}

type stubHealth struct{ ready bool }

func (s *stubHealth) Ready(_ context.Context, _ domain.RolloutRun, _ domain.ReplicaSetRef) (bool, error) {
	return s.ready, nil
}

type machineFixture struct {
	wf       *domain.TickWorkflow
	runs     *memRunRepo
	analyses *memAnalysisRepo
	router   *fakeRouter
	health   *stubHealth
}

func newMachineFixture(provider domain.MetricsProvider) *machineFixture {
	runs := newMemRunRepo()
	analyses := &memAnalysisRepo{}
	router := &fakeRouter{}
	health := &stubHealth{ready: true}
	return &machineFixture{
		wf: &domain.TickWorkflow{
			Runs:      runs,
			Analyses:  analyses,
			Router:    router,
			Health:    health,
			Engine:    &domain.AnalysisEngine{Provider: provider, Now: fixedNow},
			Templates: testTemplates,
			Policies: domain.TickPolicies{
				PhaseTimeouts: map[domain.Phase]time.Duration{
					domain.PhaseInitializing: 10 * time.Minute,
					domain.PhaseAnalyzing:    30 * time.Minute,
				},
				AnalysisInterval: 30 * time.Second,
				MaxInconclusive:  3,
			},
		},
		runs:     runs,
		analyses: analyses,
		router:   router,
		health:   health,
	}
}

func (f *machineFixture) tick(t *testing.T, id domain.RunID, now time.Time) domain.TickResult {
	t.Helper()
	runner := &syncRunnerImpl{ctx: context.Background(), id: tickCounter.Add(1)}
	res, err := f.wf.Run(runner, domain.TickInput{RunID: id, Now: now})
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	return res
}

func (f *machineFixture) mustGet(t *testing.T, id domain.RunID) domain.RolloutRun {
	t.Helper()
	run, err := f.runs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	return run
}

func newCanaryRun(t0 time.Time) domain.RolloutRun {
	return domain.RolloutRun{
		ID:     "run-1",
		SpecID: "checkout",
		Spec: canarySpec(
			domain.Step{SetWeight: &domain.StepSetWeight{Percent: 10}},
			domain.Step{Pause: &domain.StepPause{Duration: 2 * time.Minute}},
			domain.Step{Analysis: &domain.StepAnalysis{Template: "success-rate"}},
		),
		StableRef:      domain.ReplicaSetRef{Name: "checkout-v1", Hash: "v1hash", Image: "registry.example.com/checkout:v1"},
		NewRef:         domain.ReplicaSetRef{Name: "checkout-v2", Hash: "v2hash", Image: "registry.example.com/checkout:v2"},
		Phase:          domain.PhaseInitializing,
		PhaseStartedAt: t0,
		CreatedAt:      t0,
	}
}

// Healthy metrics end to end: the run promotes with weight sequence
// 0 -> 10 -> 100 and exactly one passing analysis archived.
func TestMachine_CanaryPromotes(t *testing.T) {
	f := newMachineFixture(&scriptedProvider{values: []float64{0.99}})
	t0 := fixedNow()
	run := newCanaryRun(t0)
	if err := f.runs.Create(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	now := t0
	f.tick(t, run.ID, now) // Initializing -> Progressing
	f.tick(t, run.ID, now) // SetWeight(10)
	f.tick(t, run.ID, now) // Pause step -> Paused

	got := f.mustGet(t, run.ID)
	if got.Phase != domain.PhasePaused {
		t.Fatalf("Phase = %q, want Paused", got.Phase)
	}
	if got.Weight != 10 {
		t.Fatalf("Weight = %d, want 10", got.Weight)
	}

	// Before the pause elapses nothing moves.
	f.tick(t, run.ID, now.Add(time.Minute))
	if got := f.mustGet(t, run.ID); got.Phase != domain.PhasePaused {
		t.Fatalf("Phase = %q, want Paused before pause elapses", got.Phase)
	}

	now = now.Add(2 * time.Minute)
	f.tick(t, run.ID, now) // pause elapsed -> Progressing
	f.tick(t, run.ID, now) // Analysis step -> Analyzing
	f.tick(t, run.ID, now) // evaluate -> Pass -> Progressing
	res := f.tick(t, run.ID, now) // steps done -> cutover -> Promoted

	if res.Phase != domain.PhasePromoted {
		t.Fatalf("Phase = %q, want Promoted", res.Phase)
	}
	got = f.mustGet(t, run.ID)
	if got.Weight != 100 {
		t.Errorf("Weight = %d, want 100", got.Weight)
	}
	if got.PromotedAt == nil {
		t.Error("PromotedAt not set")
	}
	if got.StableRef.Name != "checkout-v2" {
		t.Errorf("StableRef = %q, want checkout-v2 after promotion", got.StableRef.Name)
	}

	wantChanges := []string{"weight=10", "promote"}
	if fmt.Sprint(f.router.changes) != fmt.Sprint(wantChanges) {
		t.Errorf("router changes = %v, want %v", f.router.changes, wantChanges)
	}
	if len(f.analyses.archived) != 1 || f.analyses.archived[0].Verdict != domain.VerdictPass {
		t.Errorf("archived analyses = %+v, want exactly one Pass", f.analyses.archived)
	}
}

// A metric breaching its threshold rolls the run back to zero traffic.
func TestMachine_CanaryAnalysisFailureRollsBack(t *testing.T) {
	f := newMachineFixture(&scriptedProvider{values: []float64{0.5}})
	t0 := fixedNow()
	run := newCanaryRun(t0)
	_ = f.runs.Create(context.Background(), run)

	now := t0
	f.tick(t, run.ID, now) // -> Progressing
	f.tick(t, run.ID, now) // SetWeight(10)
	now = now.Add(2 * time.Minute)
	f.tick(t, run.ID, now) // -> Paused
	now = now.Add(2 * time.Minute)
	f.tick(t, run.ID, now) // -> Progressing
	f.tick(t, run.ID, now) // -> Analyzing
	res := f.tick(t, run.ID, now) // evaluate -> Fail -> RollingBack
	if res.Phase != domain.PhaseRollingBack {
		t.Fatalf("Phase = %q, want RollingBack", res.Phase)
	}
	res = f.tick(t, run.ID, now)
	if res.Phase != domain.PhaseAborted {
		t.Fatalf("Phase = %q, want Aborted", res.Phase)
	}

	got := f.mustGet(t, run.ID)
	if got.Weight != 0 {
		t.Errorf("Weight = %d, want 0 after rollback", got.Weight)
	}
	if f.router.weight != 0 {
		t.Errorf("router weight = %d, want 0", f.router.weight)
	}

	var failReasons int
	for _, rec := range got.History {
		if strings.HasPrefix(rec.Reason, domain.ReasonAnalysisFailed) {
			failReasons++
			if !strings.Contains(rec.Reason, "success-rate") {
				t.Errorf("failure reason %q does not name the metric", rec.Reason)
			}
		}
	}
	if failReasons != 1 {
		t.Errorf("history records %d analysis failures, want 1", failReasons)
	}
	if len(f.analyses.archived) != 1 || f.analyses.archived[0].Verdict != domain.VerdictFail {
		t.Errorf("archived analyses = %+v, want exactly one Fail", f.analyses.archived)
	}
}

// Blue-green without auto promotion holds in Paused until the operator
// promotes; the cutover then happens within one tick.
func TestMachine_BlueGreenHoldsUntilPromote(t *testing.T) {
	f := newMachineFixture(&scriptedProvider{})
	t0 := fixedNow()
	run := domain.RolloutRun{
		ID:     "run-bg",
		SpecID: "checkout",
		Spec: domain.RolloutSpec{
			ID:    "checkout",
			Image: "registry.example.com/checkout:v2",
			Kind:  domain.StrategyBlueGreen,
			BlueGreen: &domain.BlueGreenStrategy{
				ActiveService:  "checkout-active",
				PreviewService: "checkout-preview",
				AutoPromotion:  false,
				ScaleDownDelay: 30 * time.Minute,
			},
		},
		StableRef:      domain.ReplicaSetRef{Name: "checkout-v1", Hash: "v1hash"},
		NewRef:         domain.ReplicaSetRef{Name: "checkout-v2", Hash: "v2hash"},
		Phase:          domain.PhaseInitializing,
		PhaseStartedAt: t0,
		CreatedAt:      t0,
	}
	_ = f.runs.Create(context.Background(), run)

	res := f.tick(t, run.ID, t0)
	if res.Phase != domain.PhasePaused {
		t.Fatalf("Phase = %q, want Paused after preview healthy", res.Phase)
	}

	// Holds indefinitely without a command.
	for i := 1; i <= 3; i++ {
		res = f.tick(t, run.ID, t0.Add(time.Duration(i)*time.Hour))
		if res.Phase != domain.PhasePaused {
			t.Fatalf("Phase = %q, want Paused while awaiting promotion", res.Phase)
		}
	}

	if err := f.runs.SetControlFlags(context.Background(), run.ID, domain.ControlFlags{Promote: true}, ""); err != nil {
		t.Fatalf("SetControlFlags: %v", err)
	}
	promoteAt := t0.Add(4 * time.Hour)
	res = f.tick(t, run.ID, promoteAt)
	if res.Phase != domain.PhasePromoted {
		t.Fatalf("Phase = %q, want Promoted within one tick of promote", res.Phase)
	}

	got := f.mustGet(t, run.ID)
	if got.StableRef.Name != "checkout-v2" || got.NewRef.Name != "checkout-v1" {
		t.Errorf("refs not swapped: stable=%q new=%q", got.StableRef.Name, got.NewRef.Name)
	}
	if got.ScaleDownAt == nil || !got.ScaleDownAt.Equal(promoteAt.Add(30*time.Minute)) {
		t.Errorf("ScaleDownAt = %v, want promote time + 30m", got.ScaleDownAt)
	}
	if got.Control.Promote {
		t.Error("promote flag not consumed")
	}
}

// A resume command must not release a blue-green hold: the cutover is
// reserved for an explicit promote.
func TestMachine_BlueGreenResumeKeepsHold(t *testing.T) {
	f := newMachineFixture(&scriptedProvider{})
	t0 := fixedNow()
	run := domain.RolloutRun{
		ID:     "run-bg",
		SpecID: "checkout",
		Spec: domain.RolloutSpec{
			ID:       "checkout",
			Image:    "registry.example.com/checkout:v2",
			Replicas: 2,
			Kind:     domain.StrategyBlueGreen,
			BlueGreen: &domain.BlueGreenStrategy{
				ActiveService:  "checkout-active",
				PreviewService: "checkout-preview",
				AutoPromotion:  false,
			},
		},
		StableRef:      domain.ReplicaSetRef{Name: "checkout-v1", Hash: "v1hash"},
		NewRef:         domain.ReplicaSetRef{Name: "checkout-v2", Hash: "v2hash"},
		Phase:          domain.PhaseInitializing,
		PhaseStartedAt: t0,
		CreatedAt:      t0,
	}
	_ = f.runs.Create(context.Background(), run)

	res := f.tick(t, run.ID, t0)
	if res.Phase != domain.PhasePaused {
		t.Fatalf("Phase = %q, want Paused", res.Phase)
	}

	_ = f.runs.SetControlFlags(context.Background(), run.ID, domain.ControlFlags{Resume: true}, "")
	res = f.tick(t, run.ID, t0.Add(time.Minute))
	if res.Phase != domain.PhasePaused {
		t.Fatalf("Phase = %q, want Paused after resume on a blue-green hold", res.Phase)
	}
	if len(f.router.changes) != 0 {
		t.Errorf("router changes = %v, want none", f.router.changes)
	}
	got := f.mustGet(t, run.ID)
	if got.Control.Resume {
		t.Error("resume flag not consumed")
	}

	_ = f.runs.SetControlFlags(context.Background(), run.ID, domain.ControlFlags{Promote: true}, "")
	res = f.tick(t, run.ID, t0.Add(2*time.Minute))
	if res.Phase != domain.PhasePromoted {
		t.Fatalf("Phase = %q, want Promoted on explicit promote", res.Phase)
	}
}

// A pause command landing while the run is Analyzing must hold the run
// before the next evaluation, not after a verdict already moved it.
func TestMachine_PauseDuringAnalysisHolds(t *testing.T) {
	provider := &scriptedProvider{values: []float64{0.99}}
	f := newMachineFixture(provider)
	t0 := fixedNow()
	run := newCanaryRun(t0)
	run.Spec.Canary.Steps = []domain.Step{
		{Analysis: &domain.StepAnalysis{Template: "success-rate"}},
	}
	_ = f.runs.Create(context.Background(), run)

	f.tick(t, run.ID, t0) // -> Progressing
	f.tick(t, run.ID, t0) // -> Analyzing

	_ = f.runs.SetControlFlags(context.Background(), run.ID, domain.ControlFlags{Pause: true}, "")
	res := f.tick(t, run.ID, t0)
	if res.Phase != domain.PhasePaused {
		t.Fatalf("Phase = %q, want Paused", res.Phase)
	}
	if provider.calls != 0 {
		t.Fatalf("provider calls = %d, want 0 while paused", provider.calls)
	}
	got := f.mustGet(t, run.ID)
	if got.Control.Pause {
		t.Error("pause flag not consumed")
	}

	// Resume re-enters the analysis step and evaluation continues.
	_ = f.runs.SetControlFlags(context.Background(), run.ID, domain.ControlFlags{Resume: true}, "")
	f.tick(t, run.ID, t0) // -> Progressing
	f.tick(t, run.ID, t0) // -> Analyzing
	f.tick(t, run.ID, t0) // evaluate -> Pass
	if provider.calls != 1 {
		t.Fatalf("provider calls = %d, want 1 after resume", provider.calls)
	}
}

// Three consecutive query timeouts exhaust the inconclusive budget and
// escalate to a rollback.
func TestMachine_InconclusiveBudgetEscalatesToFail(t *testing.T) {
	provider := &scriptedProvider{errs: []error{
		&domain.QueryError{Kind: domain.QueryTimeout},
		&domain.QueryError{Kind: domain.QueryTimeout},
		&domain.QueryError{Kind: domain.QueryTimeout},
	}}
	f := newMachineFixture(provider)
	t0 := fixedNow()
	run := newCanaryRun(t0)
	run.Spec.Canary.Steps = []domain.Step{
		{Analysis: &domain.StepAnalysis{Template: "success-rate"}},
	}
	_ = f.runs.Create(context.Background(), run)

	now := t0
	f.tick(t, run.ID, now) // -> Progressing
	f.tick(t, run.ID, now) // -> Analyzing

	interval := testTemplates["success-rate"].Interval
	for i := 0; i < 2; i++ {
		res := f.tick(t, run.ID, now)
		if res.Phase != domain.PhaseAnalyzing {
			t.Fatalf("evaluation %d: Phase = %q, want Analyzing", i+1, res.Phase)
		}
		now = now.Add(interval)
	}
	res := f.tick(t, run.ID, now)
	if res.Phase != domain.PhaseRollingBack {
		t.Fatalf("Phase = %q, want RollingBack after third inconclusive", res.Phase)
	}
	if provider.calls != 3 {
		t.Errorf("provider calls = %d, want 3", provider.calls)
	}

	got := f.mustGet(t, run.ID)
	var sawLimit bool
	for _, rec := range got.History {
		if rec.Reason == domain.ReasonInconclusiveLimit {
			sawLimit = true
		}
	}
	if !sawLimit {
		t.Error("history does not record the inconclusive limit")
	}
}

// Repeated inconclusive verdicts are only re-evaluated after the
// template interval; ticks in between make no queries.
func TestMachine_AnalysisIntervalThrottlesQueries(t *testing.T) {
	provider := &scriptedProvider{errs: []error{
		&domain.QueryError{Kind: domain.QueryNoData},
	}}
	f := newMachineFixture(provider)
	t0 := fixedNow()
	run := newCanaryRun(t0)
	run.Spec.Canary.Steps = []domain.Step{
		{Analysis: &domain.StepAnalysis{Template: "success-rate"}},
	}
	_ = f.runs.Create(context.Background(), run)

	f.tick(t, run.ID, t0)
	f.tick(t, run.ID, t0) // -> Analyzing
	f.tick(t, run.ID, t0) // first evaluation
	f.tick(t, run.ID, t0.Add(time.Second))
	f.tick(t, run.ID, t0.Add(2*time.Second))
	if provider.calls != 1 {
		t.Fatalf("provider calls = %d, want 1 before the interval elapses", provider.calls)
	}
}

func TestMachine_TerminalPhasesAreAbsorbing(t *testing.T) {
	f := newMachineFixture(&scriptedProvider{})
	t0 := fixedNow()

	for _, phase := range []domain.Phase{domain.PhasePromoted, domain.PhaseAborted} {
		run := newCanaryRun(t0)
		run.ID = domain.RunID("run-" + string(phase))
		run.Phase = phase
		run.Control.Abort = true // even a pending abort must not move it
		_ = f.runs.Create(context.Background(), run)

		res := f.tick(t, run.ID, t0.Add(time.Hour))
		if res.Phase != phase {
			t.Errorf("Phase = %q, want %q to be absorbing", res.Phase, phase)
		}
	}
	if len(f.router.changes) != 0 {
		t.Errorf("router changes = %v, want none for terminal runs", f.router.changes)
	}
}

// An abort is honored at the tick boundary regardless of phase, and the
// rollback executes in the same tick.
func TestMachine_AbortMidAnalysis(t *testing.T) {
	f := newMachineFixture(&scriptedProvider{values: []float64{0.99}})
	t0 := fixedNow()
	run := newCanaryRun(t0)
	run.Spec.Canary.Steps = []domain.Step{
		{SetWeight: &domain.StepSetWeight{Percent: 25}},
		{Analysis: &domain.StepAnalysis{Template: "success-rate"}},
	}
	_ = f.runs.Create(context.Background(), run)

	f.tick(t, run.ID, t0)
	f.tick(t, run.ID, t0) // SetWeight(25)
	f.tick(t, run.ID, t0) // -> Analyzing

	_ = f.runs.SetControlFlags(context.Background(), run.ID, domain.ControlFlags{Abort: true}, domain.ReasonOperatorAbort)
	res := f.tick(t, run.ID, t0.Add(time.Second))
	if res.Phase != domain.PhaseAborted {
		t.Fatalf("Phase = %q, want Aborted", res.Phase)
	}
	if f.router.weight != 0 {
		t.Errorf("router weight = %d, want 0 after abort", f.router.weight)
	}
	got := f.mustGet(t, run.ID)
	if got.Control.Abort {
		t.Error("abort flag not consumed")
	}
}

// A phase exceeding its configured maximum duration forces a rollback
// with a reason operators can tell apart from an analysis failure.
func TestMachine_PhaseTimeoutForcesRollback(t *testing.T) {
	f := newMachineFixture(&scriptedProvider{})
	f.health.ready = false
	t0 := fixedNow()
	run := newCanaryRun(t0)
	_ = f.runs.Create(context.Background(), run)

	f.tick(t, run.ID, t0.Add(time.Minute))
	if got := f.mustGet(t, run.ID); got.Phase != domain.PhaseInitializing {
		t.Fatalf("Phase = %q, want Initializing before the timeout", got.Phase)
	}

	res := f.tick(t, run.ID, t0.Add(11*time.Minute))
	if res.Phase != domain.PhaseAborted {
		t.Fatalf("Phase = %q, want Aborted after timeout rollback", res.Phase)
	}
	got := f.mustGet(t, run.ID)
	var sawTimeout bool
	for _, rec := range got.History {
		if rec.Reason == domain.ReasonTimeoutExceeded {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Error("history does not record TimeoutExceeded")
	}
}

// An operator pause holds before the next unexecuted step; resume must
// not skip it.
func TestMachine_OperatorPauseAndResume(t *testing.T) {
	f := newMachineFixture(&scriptedProvider{})
	t0 := fixedNow()
	run := newCanaryRun(t0)
	run.Spec.Canary.Steps = []domain.Step{
		{SetWeight: &domain.StepSetWeight{Percent: 10}},
		{SetWeight: &domain.StepSetWeight{Percent: 50}},
	}
	_ = f.runs.Create(context.Background(), run)

	f.tick(t, run.ID, t0)
	f.tick(t, run.ID, t0) // SetWeight(10)

	_ = f.runs.SetControlFlags(context.Background(), run.ID, domain.ControlFlags{Pause: true}, "")
	res := f.tick(t, run.ID, t0)
	if res.Phase != domain.PhasePaused {
		t.Fatalf("Phase = %q, want Paused", res.Phase)
	}

	_ = f.runs.SetControlFlags(context.Background(), run.ID, domain.ControlFlags{Resume: true}, "")
	f.tick(t, run.ID, t0) // -> Progressing, still at step 1
	f.tick(t, run.ID, t0) // SetWeight(50)
	got := f.mustGet(t, run.ID)
	if got.Weight != 50 {
		t.Fatalf("Weight = %d, want 50: resume skipped a step", got.Weight)
	}
}

// Idempotence at the adapter contract: applying the same weight twice
// produces the same router state as applying it once.
func TestFakeRouter_SetWeightIdempotent(t *testing.T) {
	router := &fakeRouter{}
	ctx := context.Background()
	run := domain.RolloutRun{ID: "r"}

	_ = router.SetWeight(ctx, run, 25)
	_ = router.SetWeight(ctx, run, 25)
	if len(router.changes) != 1 {
		t.Fatalf("changes = %v, want a single state change", router.changes)
	}
}
