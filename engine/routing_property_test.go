package engine

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/BaSui01/taskflow/types"
)

// Retry and replan routing must be bounded: once a counter reaches its cap,
// the only remaining route is failure, regardless of the decision value.
func TestProperty_RetryCapBoundsRouting(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("QA retry never routes past the retry cap", prop.ForAll(
		func(retryCount, maxRetries int) bool {
			policy := RoutePolicy{MaxRetries: maxRetries, MaxReplanIterations: 3}
			s := seededState("t1", 2)
			s.CurrentQADecision = types.QARetry
			s.RetryCount = retryCount

			route := policy.SelectQARoute(s)
			if retryCount < maxRetries {
				return route == RouteRetry
			}
			return route == RouteFail
		},
		gen.IntRange(0, 10),
		gen.IntRange(1, 5),
	))

	properties.Property("replan never routes past the iteration cap", prop.ForAll(
		func(replanCount, maxReplans int) bool {
			policy := RoutePolicy{MaxRetries: 3, MaxReplanIterations: maxReplans}
			s := seededState("t1", 2)
			s.CurrentQADecision = types.QAReplan
			s.ReplanCount = replanCount

			route := policy.SelectQARoute(s)
			if replanCount < maxReplans {
				return route == RouteReplan
			}
			return route == RouteFail
		},
		gen.IntRange(0, 10),
		gen.IntRange(1, 5),
	))

	properties.Property("unknown decisions always fail closed", prop.ForAll(
		func(decision string) bool {
			switch types.QADecision(decision) {
			case types.QAPass, types.QARetry, types.QAFail, types.QAReplan:
				return true // 合法值不在本属性范围内
			}
			policy := DefaultRoutePolicy()
			s := seededState("t1", 2)
			s.CurrentQADecision = types.QADecision(decision)
			return policy.SelectQARoute(s) == RouteFail
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// Applied plan modifications must leave the sequence gap-free and ordered,
// and must never touch milestones at or before the current index.
func TestProperty_ReplanRenumberingInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 150

	properties := gopter.NewProperties(parameters)

	properties.Property("modifications preserve gap-free ordering", prop.ForAll(
		func(planLen, currentIndex, targetIndex int, op uint8) bool {
			if planLen < 1 {
				planLen = 1
			}
			if currentIndex >= planLen {
				currentIndex = planLen - 1
			}

			ops := []types.ModificationOp{types.ModAdd, types.ModModify, types.ModRemove, types.ModReorder}
			mod := types.PlanModification{
				Op:          ops[int(op)%len(ops)],
				TargetIndex: targetIndex,
				NewIndex:    targetIndex,
				Description: "inserted work",
				Complexity:  types.ComplexityModerate,
			}

			s := seededState("t1", planLen)
			s.CurrentIndex = currentIndex
			nodes := testNodes(newFakeAgent(), &fakePlanner{}, &fakeValidator{}, newFakeRepo())

			milestones, applied, _ := nodes.applyModifications(s, []types.PlanModification{mod}, 1)

			// 顺序全序且无空洞
			for i, m := range milestones {
				if m.SequenceNum != i {
					return false
				}
			}
			// 已完成历史不可被改写
			if len(applied) > 0 && mod.TargetIndex <= currentIndex {
				return false
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.IntRange(0, 7),
		gen.IntRange(-2, 10),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
