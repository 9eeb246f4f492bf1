package capability

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/types"
)

var ErrNoAvailableModel = errors.New("no available model")

// ModelSpec 候选模型描述：归属的复杂度层级与价格元数据。
type ModelSpec struct {
	ID              string           `json:"id" yaml:"id"`
	Tier            types.Complexity `json:"tier" yaml:"tier"`
	PriceInputPerK  float64          `json:"price_input_per_k" yaml:"price_input_per_k"`
	PriceOutputPerK float64          `json:"price_output_per_k" yaml:"price_output_per_k"`
	MaxTokens       int              `json:"max_tokens" yaml:"max_tokens"`
	Enabled         bool             `json:"enabled" yaml:"enabled"`
}

// ModelSelector 按复杂度层级选择执行模型。
type ModelSelector interface {
	// Select 为给定复杂度选择模型。
	Select(complexity types.Complexity) (ModelSpec, error)
	// Cost computes the monetary cost of a usage record against the
	// selected model's price metadata.
	Cost(modelID string, usage types.TokenUsage) float64
}

// TierCatalog is a ModelSelector backed by a static per-tier catalog.
// When a tier has no enabled model, selection falls back to the nearest
// lower tier, then the nearest higher one.
type TierCatalog struct {
	mu     sync.RWMutex
	byTier map[types.Complexity][]ModelSpec
	byID   map[string]ModelSpec
	logger *zap.Logger
}

// NewTierCatalog creates a catalog from a list of model specs.
func NewTierCatalog(specs []ModelSpec, logger *zap.Logger) *TierCatalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &TierCatalog{
		byTier: make(map[types.Complexity][]ModelSpec),
		byID:   make(map[string]ModelSpec),
		logger: logger.With(zap.String("component", "model_catalog")),
	}
	for _, s := range specs {
		c.byTier[s.Tier] = append(c.byTier[s.Tier], s)
		c.byID[s.ID] = s
	}
	return c
}

var tierOrder = []types.Complexity{
	types.ComplexityTrivial,
	types.ComplexitySimple,
	types.ComplexityModerate,
	types.ComplexityComplex,
	types.ComplexityContextHeavy,
}

// Select picks the first enabled model for the milestone's tier.
func (c *TierCatalog) Select(complexity types.Complexity) (ModelSpec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if spec, ok := c.firstEnabled(complexity); ok {
		return spec, nil
	}

	// 回退：先向低层级，再向高层级。
	rank := complexity.Rank()
	for r := rank - 1; r >= 0; r-- {
		if spec, ok := c.firstEnabled(tierOrder[r]); ok {
			c.logger.Debug("model tier fallback",
				zap.String("requested", string(complexity)),
				zap.String("selected_tier", string(tierOrder[r])),
			)
			return spec, nil
		}
	}
	for r := rank + 1; r < len(tierOrder); r++ {
		if spec, ok := c.firstEnabled(tierOrder[r]); ok {
			return spec, nil
		}
	}

	return ModelSpec{}, ErrNoAvailableModel
}

func (c *TierCatalog) firstEnabled(tier types.Complexity) (ModelSpec, bool) {
	for _, s := range c.byTier[tier] {
		if s.Enabled {
			return s, true
		}
	}
	return ModelSpec{}, false
}

// Cost computes monetary cost from the model's per-1K-token prices.
// Unknown models cost zero.
func (c *TierCatalog) Cost(modelID string, usage types.TokenUsage) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	spec, ok := c.byID[modelID]
	if !ok {
		return 0
	}
	return float64(usage.InputTokens)/1000*spec.PriceInputPerK +
		float64(usage.OutputTokens)/1000*spec.PriceOutputPerK
}

// SetEnabled toggles a model's availability at runtime.
func (c *TierCatalog) SetEnabled(modelID string, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	spec, ok := c.byID[modelID]
	if !ok {
		return
	}
	spec.Enabled = enabled
	c.byID[modelID] = spec
	for i, s := range c.byTier[spec.Tier] {
		if s.ID == modelID {
			c.byTier[spec.Tier][i] = spec
		}
	}
}

// DefaultCatalogSpecs 返回默认模型目录。
func DefaultCatalogSpecs() []ModelSpec {
	return []ModelSpec{
		{ID: "haiku-lite", Tier: types.ComplexityTrivial, PriceInputPerK: 0.00025, PriceOutputPerK: 0.00125, MaxTokens: 8192, Enabled: true},
		{ID: "haiku-lite", Tier: types.ComplexitySimple, PriceInputPerK: 0.00025, PriceOutputPerK: 0.00125, MaxTokens: 8192, Enabled: true},
		{ID: "sonnet-std", Tier: types.ComplexityModerate, PriceInputPerK: 0.003, PriceOutputPerK: 0.015, MaxTokens: 64000, Enabled: true},
		{ID: "sonnet-std", Tier: types.ComplexityComplex, PriceInputPerK: 0.003, PriceOutputPerK: 0.015, MaxTokens: 64000, Enabled: true},
		{ID: "opus-max", Tier: types.ComplexityContextHeavy, PriceInputPerK: 0.015, PriceOutputPerK: 0.075, MaxTokens: 200000, Enabled: true},
	}
}
