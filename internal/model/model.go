// Package model exposes the slice of the base-model layer registry that the
// adapter layer consumes: layer enumeration per layer type, the module name
// backing each layer, tensor-parallel geometry, and the shard hook applied
// to adapter weights before stacking.
package model

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-bodkin/internal/device"
)

type Model interface {
	// LayerIDs lists the base-model layer ids carrying the given layer type,
	// in stacking order. Empty means the model has no such layer type.
	LayerIDs(layerType string) []int

	// TargetLayer resolves a (layer id, layer type) pair to the module name
	// the adapter checkpoint uses for it.
	TargetLayer(layerID int, layerType string) (string, bool)

	// ShardLoraWeights applies shard-specific slicing to per-layer A/B
	// matrices before they are stacked.
	ShardLoraWeights(a, b []*device.Tensor, layerType string) ([]*device.Tensor, []*device.Tensor)

	// WorldSize is the number of tensor-parallel shards.
	WorldSize() int
}

// StaticModel is an in-memory registry built from a fixed geometry. Module
// names are produced from per-layer-type patterns; a pattern containing %d
// repeats across all transformer layers, anything else names a single
// global layer (e.g. the output projection).
type StaticModel struct {
	numLayers int
	worldSize int
	modules   map[string]string
}

func NewStaticModel(numLayers, worldSize int, modules map[string]string) *StaticModel {
	return &StaticModel{
		numLayers: numLayers,
		worldSize: worldSize,
		modules:   modules,
	}
}

// DefaultModules is the llama-style layer-type to module-name mapping.
func DefaultModules() map[string]string {
	return map[string]string{
		"q_proj":    "model.layers.%d.self_attn.q_proj",
		"k_proj":    "model.layers.%d.self_attn.k_proj",
		"v_proj":    "model.layers.%d.self_attn.v_proj",
		"o_proj":    "model.layers.%d.self_attn.o_proj",
		"gate_proj": "model.layers.%d.mlp.gate_proj",
		"up_proj":   "model.layers.%d.mlp.up_proj",
		"down_proj": "model.layers.%d.mlp.down_proj",
		"lm_head":   "lm_head",
	}
}

func (m *StaticModel) LayerIDs(layerType string) []int {
	pattern, ok := m.modules[layerType]
	if !ok {
		return nil
	}
	if !strings.Contains(pattern, "%d") {
		return []int{0}
	}
	ids := make([]int, m.numLayers)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

func (m *StaticModel) TargetLayer(layerID int, layerType string) (string, bool) {
	pattern, ok := m.modules[layerType]
	if !ok {
		return "", false
	}
	if !strings.Contains(pattern, "%d") {
		return pattern, true
	}
	return fmt.Sprintf(pattern, layerID), true
}

// ShardLoraWeights is the identity for a single-process registry; slicing
// across shards is owned by the surrounding distributed runtime.
func (m *StaticModel) ShardLoraWeights(a, b []*device.Tensor, layerType string) ([]*device.Tensor, []*device.Tensor) {
	return a, b
}

func (m *StaticModel) WorldSize() int {
	return m.worldSize
}
