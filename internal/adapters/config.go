package adapters

import (
	"math"

	"github.com/23skdu/longbow-bodkin/internal/device"
)

// LoraConfig holds one adapter's hyperparameters. Rank is rewritten exactly
// once after loading, to the kernel-padded value; batching logic reads the
// padded rank from here.
type LoraConfig struct {
	BaseModelName string
	Rank          int
	TargetModules []string
	FanInFanOut   bool
	Alpha         int
	UseRSLoRA     bool
}

// ModulePair is the named A/B projection pair an adapter provides for one
// module of the base model.
type ModulePair struct {
	A     *device.Tensor
	B     *device.Tensor
	AName string
	BName string
}

// ModuleMap maps a base-model module name to the adapter tensors covering it.
type ModuleMap map[string]ModulePair

// Checkpoint tensor-name convention for the two projections of a module.
func loraAName(module string) string {
	return "base_model.model." + module + ".lora_A.weight"
}

func loraBName(module string) string {
	return "base_model.model." + module + ".lora_B.weight"
}

// MapWeightsForModel picks out of a flat tensor-name map the A/B pairs
// covering the given module names. Modules missing either projection are
// skipped: the adapter simply does not cover them. The returned name set
// lists every tensor consumed, so the caller can detect leftover weights.
func (c *LoraConfig) MapWeightsForModel(weights map[string]*device.Tensor, moduleNames []string) (ModuleMap, map[string]struct{}) {
	consumed := make(map[string]struct{})
	moduleMap := make(ModuleMap)
	for _, module := range moduleNames {
		aName := loraAName(module)
		bName := loraBName(module)
		a, okA := weights[aName]
		b, okB := weights[bName]
		if !okA || !okB {
			continue
		}
		moduleMap[module] = ModulePair{A: a, B: b, AName: aName, BName: bName}
		consumed[aName] = struct{}{}
		consumed[bName] = struct{}{}
	}
	return moduleMap, consumed
}

// ScalingFactor computes the multiplier folded into the B matrix at load
// time: alpha/rank, or alpha/sqrt(rank) under rank-stabilized scaling.
func ScalingFactor(alpha, rank int, useRSLoRA bool) float32 {
	if useRSLoRA {
		return float32(float64(alpha) / math.Sqrt(float64(rank)))
	}
	return float32(alpha) / float32(rank)
}
