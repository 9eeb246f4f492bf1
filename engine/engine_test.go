package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/notify"
	"github.com/BaSui01/taskflow/types"
)

// ---- 测试替身 ----

type fakeAgent struct {
	mu        sync.Mutex
	responses map[capability.StepKind][]string
	errs      map[capability.StepKind]error
	calls     map[capability.StepKind]int
	usage     types.TokenUsage
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		responses: make(map[capability.StepKind][]string),
		errs:      make(map[capability.StepKind]error),
		calls:     make(map[capability.StepKind]int),
		usage:     types.TokenUsage{InputTokens: 10, OutputTokens: 20},
	}
}

func (a *fakeAgent) respond(kind capability.StepKind, outputs ...string) {
	a.responses[kind] = append(a.responses[kind], outputs...)
}

func (a *fakeAgent) fail(kind capability.StepKind, err error) {
	a.errs[kind] = err
}

func (a *fakeAgent) Invoke(_ context.Context, kind capability.StepKind, _ capability.Params, _ []types.Message) (string, types.TokenUsage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.calls[kind]
	a.calls[kind] = n + 1
	if err := a.errs[kind]; err != nil {
		return "", types.TokenUsage{}, err
	}
	queue := a.responses[kind]
	if len(queue) == 0 {
		return fmt.Sprintf("%s output %d", kind, n), a.usage, nil
	}
	if n >= len(queue) {
		return queue[len(queue)-1], a.usage, nil
	}
	return queue[n], a.usage, nil
}

type fakePlanner struct {
	mu           sync.Mutex
	drafts       []capability.MilestoneDraft
	planErr      error
	replanResult *capability.ReplanResult
	replanErr    error
	rethink      []capability.MilestoneDraft
	rethinkErr   error
	rethinkCalls int
}

func (p *fakePlanner) Plan(context.Context, string, string) ([]capability.MilestoneDraft, types.TokenUsage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.planErr != nil {
		return nil, types.TokenUsage{}, p.planErr
	}
	return p.drafts, types.TokenUsage{InputTokens: 5, OutputTokens: 5}, nil
}

func (p *fakePlanner) Replan(context.Context, []*types.Milestone, int, string, string) (*capability.ReplanResult, types.TokenUsage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replanErr != nil {
		return nil, types.TokenUsage{}, p.replanErr
	}
	if p.replanResult == nil {
		return &capability.ReplanResult{}, types.TokenUsage{}, nil
	}
	return p.replanResult, types.TokenUsage{InputTokens: 5, OutputTokens: 5}, nil
}

func (p *fakePlanner) RethinkStrategy(context.Context, string, string, []string) ([]capability.MilestoneDraft, types.TokenUsage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rethinkCalls++
	if p.rethinkErr != nil {
		return nil, types.TokenUsage{}, p.rethinkErr
	}
	return p.rethink, types.TokenUsage{InputTokens: 5, OutputTokens: 5}, nil
}

type fakeValidator struct {
	mu      sync.Mutex
	results []*capability.ValidationResult
	err     error
	calls   int
}

func (v *fakeValidator) enqueue(results ...*capability.ValidationResult) {
	v.results = append(v.results, results...)
}

func (v *fakeValidator) Validate(context.Context, string, string, string) (*capability.ValidationResult, types.TokenUsage, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.err != nil {
		return nil, types.TokenUsage{}, v.err
	}
	if len(v.results) == 0 {
		return &capability.ValidationResult{Decision: types.QAPass}, types.TokenUsage{}, nil
	}
	r := v.results[0]
	if len(v.results) > 1 {
		v.results = v.results[1:]
	}
	return r, types.TokenUsage{InputTokens: 2, OutputTokens: 2}, nil
}

type fakeCheck struct {
	name string
	pass bool
	diag string
}

func (c fakeCheck) Name() string { return c.name }

func (c fakeCheck) Run(context.Context, string) capability.CheckResult {
	return capability.CheckResult{Name: c.name, Success: c.pass, Diagnostics: c.diag}
}

type fakeModels struct{}

func (fakeModels) Select(types.Complexity) (capability.ModelSpec, error) {
	return capability.ModelSpec{ID: "test-model"}, nil
}

func (fakeModels) Cost(string, types.TokenUsage) float64 { return 0.001 }

// fakeRepo is an in-memory Repository with per-method error injection.
type fakeRepo struct {
	mu         sync.Mutex
	milestones map[string]*types.Milestone
	statuses   map[string]types.TaskStatus
	artifacts  []*types.Artifact
	failOn     map[string]error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		milestones: make(map[string]*types.Milestone),
		statuses:   make(map[string]types.TaskStatus),
		failOn:     make(map[string]error),
	}
}

func (r *fakeRepo) CreateMilestones(_ context.Context, ms []*types.Milestone) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failOn["create"]; err != nil {
		return err
	}
	for _, m := range ms {
		r.milestones[m.ID] = m.Clone()
	}
	return nil
}

func (r *fakeRepo) UpdateMilestone(_ context.Context, m *types.Milestone) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failOn["update"]; err != nil {
		return err
	}
	r.milestones[m.ID] = m.Clone()
	return nil
}

func (r *fakeRepo) ReplacePlan(_ context.Context, _ string, ms []*types.Milestone, removedIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failOn["replace"]; err != nil {
		return err
	}
	for _, id := range removedIDs {
		delete(r.milestones, id)
	}
	for _, m := range ms {
		r.milestones[m.ID] = m.Clone()
	}
	return nil
}

func (r *fakeRepo) UpdateTaskStatus(_ context.Context, taskID string, status types.TaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failOn["status"]; err != nil {
		return err
	}
	r.statuses[taskID] = status
	return nil
}

func (r *fakeRepo) SaveArtifact(_ context.Context, a *types.Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts = append(r.artifacts, a)
	return nil
}

// memCheckpoints is a minimal CheckpointStore for runner tests.
type memCheckpoints struct {
	mu     sync.Mutex
	states map[string]*WorkflowState
	saves  int
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{states: make(map[string]*WorkflowState)}
}

func (c *memCheckpoints) Save(_ context.Context, s *WorkflowState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[s.TaskID] = s.Clone()
	c.saves++
	return nil
}

func (c *memCheckpoints) Load(_ context.Context, taskID string) (*WorkflowState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[taskID]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	return s.Clone(), nil
}

func (c *memCheckpoints) Delete(_ context.Context, taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, taskID)
	return nil
}

type mapSignal struct {
	mu         sync.Mutex
	terminated map[string]bool
}

func newMapSignal() *mapSignal {
	return &mapSignal{terminated: make(map[string]bool)}
}

func (s *mapSignal) terminate(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated[taskID] = true
}

func (s *mapSignal) IsTerminated(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated[taskID]
}

type eventRecorder struct {
	mu     sync.Mutex
	events []notify.EventKind
}

func (r *eventRecorder) Publish(_ context.Context, _ string, kind notify.EventKind, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind)
}

func (r *eventRecorder) count(kind notify.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.events {
		if k == kind {
			n++
		}
	}
	return n
}

// drafts builds n moderate milestone drafts.
func drafts(n int) []capability.MilestoneDraft {
	out := make([]capability.MilestoneDraft, n)
	for i := range out {
		out[i] = capability.MilestoneDraft{
			Description:        fmt.Sprintf("step %d", i+1),
			Complexity:         types.ComplexityModerate,
			AcceptanceCriteria: "criteria",
		}
	}
	return out
}

func testNodes(agent *fakeAgent, planner *fakePlanner, validator *fakeValidator, repo *fakeRepo, checks ...capability.DynamicCheck) *Nodes {
	return NewNodes(NodesConfig{
		Agent:     agent,
		Planner:   planner,
		Validator: validator,
		Checks:    checks,
		Models:    fakeModels{},
		Repo:      repo,
	})
}

// seededState builds an in-progress state with n moderate milestones.
func seededState(taskID string, n int) *WorkflowState {
	s := NewWorkflowState("sess", taskID, "build the thing")
	ms := make([]*types.Milestone, n)
	for i := range ms {
		ms[i] = types.NewMilestone(taskID, i, fmt.Sprintf("step %d", i+1), types.ComplexityModerate, "criteria")
	}
	s.Milestones = ms
	s.TaskStatus = types.TaskInProgress
	return s
}
