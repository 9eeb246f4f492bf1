package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/tokenizer"
	"github.com/BaSui01/taskflow/types"
)

// NodeFunc is one unit of work in the step table: it reads the fields it
// needs from the state and returns a partial-state patch. It must not
// mutate the input state and must not let collaborator failures escape.
type NodeFunc func(ctx context.Context, s *WorkflowState) Patch

// Nodes bundles the node executors with their collaborators.
type Nodes struct {
	agent     capability.Agent
	planner   capability.Planner
	validator capability.Validator
	checks    []capability.DynamicCheck
	models    capability.ModelSelector
	repo      Repository
	counter   types.TokenCounter
	policy    RoutePolicy
	threshold float64
	logger    *zap.Logger
}

// NodesConfig configures node construction.
type NodesConfig struct {
	Agent     capability.Agent
	Planner   capability.Planner
	Validator capability.Validator
	Checks    []capability.DynamicCheck
	Models    capability.ModelSelector
	Repo      Repository
	Counter   types.TokenCounter
	Logger    *zap.Logger

	// Policy carries the bounded-retry and compression configuration.
	// Zero values fall back to DefaultRoutePolicy.
	Policy RoutePolicy
}

// NewNodes creates the node executor set. Counter defaults to character
// estimation; Logger defaults to a nop logger.
func NewNodes(cfg NodesConfig) *Nodes {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	counter := cfg.Counter
	if counter == nil {
		counter = tokenizer.NewEstimator()
	}
	policy := cfg.Policy
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = DefaultRoutePolicy().MaxRetries
	}
	if policy.MaxReplanIterations <= 0 {
		policy.MaxReplanIterations = DefaultRoutePolicy().MaxReplanIterations
	}
	if policy.CompressionThreshold <= 0 || policy.CompressionThreshold >= 1 {
		policy.CompressionThreshold = DefaultRoutePolicy().CompressionThreshold
	}
	return &Nodes{
		agent:     cfg.Agent,
		planner:   cfg.Planner,
		validator: cfg.Validator,
		checks:    cfg.Checks,
		models:    cfg.Models,
		repo:      cfg.Repo,
		counter:   counter,
		policy:    policy,
		threshold: policy.CompressionThreshold,
		logger:    logger.With(zap.String("component", "nodes")),
	}
}

// persistTaskStatus records a terminal task status; persistence errors are
// logged, not propagated, so teardown never blocks on the store.
func (n *Nodes) persistTaskStatus(ctx context.Context, taskID string, status types.TaskStatus) {
	if n.repo == nil {
		return
	}
	if err := n.repo.UpdateTaskStatus(ctx, taskID, status); err != nil {
		n.logger.Warn("task status persist failed",
			zap.String("task_id", taskID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// lastTurns returns the trailing n transcript messages.
func lastTurns(transcript []types.Message, n int) []types.Message {
	if len(transcript) <= n {
		return transcript
	}
	return transcript[len(transcript)-n:]
}

// cloneMilestones 深拷贝整个里程碑列表，补丁语义要求节点不得原地修改。
func cloneMilestones(ms []*types.Milestone) []*types.Milestone {
	out := make([]*types.Milestone, len(ms))
	for i, m := range ms {
		out[i] = m.Clone()
	}
	return out
}
