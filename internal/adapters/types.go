// Package adapters implements the per-adapter weight representation and the
// per-batch aggregation that feeds the batched low-rank-update kernels.
// Adapters with heterogeneous ranks and per-layer coverage are made
// mutually compatible at the kernel boundary through rank padding, load-time
// scaling, and per-rank segment grouping.
package adapters

// LMHead is the output-projection layer type. Its position-dependent
// semantics keep it off the fused kernel path.
const LMHead = "lm_head"

// AdapterWeights is any per-adapter, per-layer-type weight carrier handed
// to batch aggregation. Carriers that bundle LoRA weights with auxiliary
// adapter state expose them through UnwrapLora; carriers holding no LoRA
// weights return nil and are dropped from the batch.
type AdapterWeights interface {
	UnwrapLora() *LoraWeights
}

// WrappedLoraWeights carries LoRA weights alongside auxiliary adapter state
// while keeping them visible to batch aggregation.
type WrappedLoraWeights struct {
	Lora *LoraWeights
}

func (w *WrappedLoraWeights) UnwrapLora() *LoraWeights {
	return w.Lora
}

// AdapterBatchMetadata describes one inference step's segmentation: which
// adapter each contiguous token run belongs to and where the runs start.
// Produced fresh by the scheduler every step; read-only here.
type AdapterBatchMetadata struct {
	// SegmentIndices holds one adapter id per contiguous run of tokens
	// sharing an adapter, in batch order.
	SegmentIndices []int

	// AdapterSegments holds the token-offset boundaries of those runs,
	// length len(SegmentIndices)+1.
	AdapterSegments []int

	// AdapterIndices holds the adapter id of every token in the batch.
	AdapterIndices []int
}
