package adapters

import (
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/kernels"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/model"
)

// LoraWeights holds one adapter's contribution to one layer type, stacked
// across every base-model layer of that type. The load-time orientation
// feeds the segment kernel; the alternate orientation for the per-token
// kernel is built on first use and memoized. Instances are immutable once
// constructed except for that cache, which is idempotent under racing
// computation.
type LoraWeights struct {
	Config *LoraConfig

	rankA         int
	rankB         int
	cutlassShrink bool

	// [numLayers, hidden, rank] (or rank-innermost for custom-shrink ranks)
	weightsA *device.Tensor
	// [numLayers, rank, hidden], scale pre-multiplied
	weightsB *device.Tensor

	transposeOnce sync.Once
	weightsAT     *device.Tensor
	weightsBT     *device.Tensor
}

// NewLoraWeights stacks per-layer A/B matrices into the blocks the kernels
// consume. A matrices arrive [hidden, rank] and are oriented for their rank
// before stacking; B matrices arrive [rank, hidden] with scale already
// folded in.
func NewLoraWeights(weightsA, weightsB []*device.Tensor, cfg *LoraConfig) *LoraWeights {
	rankA, rankB := 1, 1
	if len(weightsA) > 0 {
		rankA = weightsA[0].Size(1)
		rankB = weightsB[0].Size(0)
	}

	oriented := make([]*device.Tensor, len(weightsA))
	for i, w := range weightsA {
		oriented[i] = kernels.OrientForRank(w, w.Size(1))
	}

	return &LoraWeights{
		Config:        cfg,
		rankA:         rankA,
		rankB:         rankB,
		cutlassShrink: kernels.UseCutlassShrink(rankA),
		weightsA:      device.Stack("lora_a", oriented),
		weightsB:      device.Stack("lora_b", weightsB),
	}
}

// RankA is the rank of the stored A block, the value batching groups by.
func (w *LoraWeights) RankA() int {
	return w.rankA
}

func (w *LoraWeights) RankB() int {
	return w.rankB
}

func (w *LoraWeights) UseCutlassShrink() bool {
	return w.cutlassShrink
}

// WeightsA returns the A block in its load-time orientation.
func (w *LoraWeights) WeightsA() *device.Tensor {
	return w.weightsA
}

// WeightsB returns the B block in its load-time orientation.
func (w *LoraWeights) WeightsB() *device.Tensor {
	return w.weightsB
}

// WeightsAT returns the A block in the per-token kernel's orientation.
func (w *LoraWeights) WeightsAT() *device.Tensor {
	w.ensureTransposed()
	return w.weightsAT
}

// WeightsBT returns the B block in the per-token kernel's orientation.
func (w *LoraWeights) WeightsBT() *device.Tensor {
	w.ensureTransposed()
	return w.weightsBT
}

func (w *LoraWeights) ensureTransposed() {
	w.transposeOnce.Do(func() {
		if w.cutlassShrink {
			w.weightsAT = w.weightsA.Transpose12()
		} else {
			// the non-cutlass shrink uses the same A orientation for both
			// kernel families
			w.weightsAT = w.weightsA
		}
		w.weightsBT = w.weightsB.Transpose12()
	})
}

// UnwrapLora lets LoraWeights satisfy AdapterWeights directly.
func (w *LoraWeights) UnwrapLora() *LoraWeights {
	return w
}

// LoadLoraWeights materializes one adapter's stacked weight blocks for one
// layer type. Returns (nil, nil) when the adapter is not applicable: either
// the model has no layers of this type, or the adapter's module map misses
// at least one of them (all-or-nothing per layer type). Consumed tensor
// names are removed from unused.
func LoadLoraWeights(cfg *LoraConfig, m model.Model, moduleMap ModuleMap, layerType string, unused map[string]struct{}) (*LoraWeights, error) {
	start := time.Now()

	layerIDs := m.LayerIDs(layerType)
	if len(layerIDs) == 0 {
		return nil, nil
	}

	scale := ScalingFactor(cfg.Alpha, cfg.Rank, cfg.UseRSLoRA)

	aList := make([]*device.Tensor, len(layerIDs))
	bList := make([]*device.Tensor, len(layerIDs))
	for i, layerID := range layerIDs {
		moduleName, ok := m.TargetLayer(layerID, layerType)
		if !ok {
			return nil, fmt.Errorf("no module registered for layer %d type %q", layerID, layerType)
		}
		pair, ok := moduleMap[moduleName]
		if !ok {
			// the adapter leaves this layer type to the base model
			logger.Log.Debug("adapter does not cover layer", "module", moduleName, "layer_type", layerType)
			return nil, nil
		}

		delete(unused, pair.AName)
		delete(unused, pair.BName)

		// checkpoints store A as [rank, hidden] and B as [hidden, rank];
		// flip both and fold the scale into B, so (xA)B picks it up exactly
		// once per forward pass
		aList[i] = pair.A.Transpose()
		bList[i] = pair.B.Transpose().Scale(scale)
	}

	// pad ranks up to a kernel boundary, accounting for sharding
	worldSize := m.WorldSize()
	for i := range aList {
		aList[i] = kernels.PadRank(aList[i], 1, worldSize)
		bList[i] = kernels.PadRank(bList[i], 0, worldSize)
	}

	// grouping downstream reads the padded rank from the config
	cfg.Rank = aList[0].Size(1)

	aList, bList = m.ShardLoraWeights(aList, bList, layerType)
	w := NewLoraWeights(aList, bList, cfg)

	metrics.AdapterLoadDuration.Observe(time.Since(start).Seconds())
	return w, nil
}
