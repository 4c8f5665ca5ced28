package adapters

import (
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/kernels"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// RankSegments holds the per-rank-group tables one kernel invocation needs.
// Exactly one of the two table families is populated: segment ranges plus
// scratch for the segment kernel, or the per-token index array for the
// per-token kernel.
type RankSegments struct {
	Rank int

	// Pointer slices into the adapter weight blocks, one entry per segment
	// in this group, aligned with SegmentStarts/SegmentEnds.
	LoraAPtr []uint64
	LoraBPtr []uint64

	// prefill (sgmv)
	TmpShrink     *device.Tensor
	TmpExpand     *device.Tensor
	SegmentStarts []int32
	SegmentEnds   []int32

	// decode (bgmv): for every token in the batch, the position of its
	// adapter within this group's pointer slices, or -1.
	Indices []int32
}

// BatchLoraWeights is the per-layer, per-batch aggregation handed to the
// kernel invocation. Instances are owned by the step that built them and
// must not be reused: segment metadata changes every step.
type BatchLoraWeights struct {
	LoraA          map[int]*device.Tensor
	LoraB          map[int]*device.Tensor
	AdapterConfigs map[int]*LoraConfig
	RankData       map[int]*RankSegments
	UseSGMV        bool
	LayerName      string

	// PrefillHeadIndices, when set, lists the selected token positions the
	// caller applies to outputs.
	PrefillHeadIndices []int
}

func (b *BatchLoraWeights) HasAdapter(adapterIndex int) bool {
	_, ok := b.AdapterConfigs[adapterIndex]
	return ok
}

// CanVectorize reports whether the batch is eligible for the fused kernel
// path: every rank group's per-shard rank within the fused cap, and not the
// output projection.
func (b *BatchLoraWeights) CanVectorize(worldSize int) bool {
	for _, rs := range b.RankData {
		if rs.Rank/worldSize > kernels.MaxRankCustom {
			return false
		}
	}
	return b.LayerName != LMHead
}

// LoadBatchLoraWeights aggregates the batch's active adapters for one layer.
// Returns nil when no adapter in the batch has weights for this layer; the
// caller then runs base-model-only compute.
//
// Kernel choice is a single decision for the whole layer/batch: the segment
// kernel for prefill steps or when the max rank exceeds the per-token
// kernel's capacity, the per-token kernel otherwise.
func LoadBatchLoraWeights(
	adapterWeights map[int]AdapterWeights,
	meta *AdapterBatchMetadata,
	layerName string,
	prefill bool,
	prefillHeadIndices []int,
) *BatchLoraWeights {
	lora := make(map[int]*LoraWeights, len(adapterWeights))
	for idx, w := range adapterWeights {
		if w == nil {
			continue
		}
		if lw := w.UnwrapLora(); lw != nil {
			lora[idx] = lw
		}
	}
	if len(lora) == 0 {
		return nil
	}

	loraA := make(map[int]*device.Tensor)
	loraB := make(map[int]*device.Tensor)
	configs := make(map[int]*LoraConfig)
	maxRank := 0
	participating := 0
	for _, idx := range meta.SegmentIndices {
		w, ok := lora[idx]
		if !ok {
			continue
		}
		participating++
		loraA[idx] = w.WeightsA()
		loraB[idx] = w.WeightsB()
		configs[idx] = w.Config
		if w.RankA() > maxRank {
			maxRank = w.RankA()
		}
	}
	if participating == 0 {
		return nil
	}

	useSGMV := prefill || maxRank > kernels.BGMVMaxRank

	// Global pointer tables, one entry per segment in metadata order. The
	// zero address is the reserved sentinel for segments whose adapter has
	// no weights here. The segment kernel reads the load-time orientation,
	// the per-token kernel the transposed one.
	numSegments := len(meta.SegmentIndices)
	aPtr := make([]uint64, numSegments)
	bPtr := make([]uint64, numSegments)
	for i, idx := range meta.SegmentIndices {
		w, ok := lora[idx]
		if !ok {
			continue
		}
		if useSGMV {
			aPtr[i] = w.WeightsA().DataPtr()
			bPtr[i] = w.WeightsB().DataPtr()
		} else {
			aPtr[i] = w.WeightsAT().DataPtr()
			bPtr[i] = w.WeightsBT().DataPtr()
		}
	}

	// Partition segment positions into rank groups, skipping segments whose
	// adapter does not participate.
	rankIndices := make(map[int][]int)
	for segIdx, adapterIdx := range meta.SegmentIndices {
		w, ok := lora[adapterIdx]
		if !ok {
			continue
		}
		rankIndices[w.RankA()] = append(rankIndices[w.RankA()], segIdx)
	}

	var headStarts, headEnds []int32
	if prefillHeadIndices != nil {
		headStarts, headEnds = headSegmentBounds(prefillHeadIndices, meta)
	}

	rankData := make(map[int]*RankSegments, len(rankIndices))
	for rank, indices := range rankIndices {
		rs := &RankSegments{
			Rank:     rank,
			LoraAPtr: gather(aPtr, indices),
			LoraBPtr: gather(bPtr, indices),
		}

		if useSGMV {
			rs.TmpShrink, rs.TmpExpand = kernels.TmpTensors(len(indices), rank)
			rs.SegmentStarts = make([]int32, len(indices))
			rs.SegmentEnds = make([]int32, len(indices))
			for i, segIdx := range indices {
				if headStarts != nil {
					rs.SegmentStarts[i] = headStarts[segIdx]
					rs.SegmentEnds[i] = headEnds[segIdx]
				} else {
					rs.SegmentStarts[i] = int32(meta.AdapterSegments[segIdx])
					rs.SegmentEnds[i] = int32(meta.AdapterSegments[segIdx+1])
				}
			}
		} else {
			// First-occurrence position of each adapter within this group's
			// pointer slices.
			locs := make(map[int]int)
			for loc, segIdx := range indices {
				adapterIdx := meta.SegmentIndices[segIdx]
				if _, seen := locs[adapterIdx]; !seen {
					locs[adapterIdx] = loc
				}
			}
			rs.Indices = make([]int32, len(meta.AdapterIndices))
			for i, adapterIdx := range meta.AdapterIndices {
				w, ok := lora[adapterIdx]
				if ok && w.RankA() == rank {
					rs.Indices[i] = int32(locs[adapterIdx])
				} else {
					rs.Indices[i] = -1
				}
			}
		}

		rankData[rank] = rs
	}

	kernel := "bgmv"
	if useSGMV {
		kernel = "sgmv"
	}
	metrics.KernelSelections.WithLabelValues(kernel).Inc()
	metrics.BatchSegments.Observe(float64(numSegments))
	metrics.RankGroups.Observe(float64(len(rankData)))

	return &BatchLoraWeights{
		LoraA:              loraA,
		LoraB:              loraB,
		AdapterConfigs:     configs,
		RankData:           rankData,
		UseSGMV:            useSGMV,
		LayerName:          layerName,
		PrefillHeadIndices: prefillHeadIndices,
	}
}

// headSegmentBounds recomputes segment boundaries over the selected token
// positions only. Positions must be increasing; a position past one or more
// metadata boundaries closes the current output segment and emits empty
// ranges for any segment it skipped, keeping the output aligned 1:1 with
// the metadata segments.
func headSegmentBounds(headIndices []int, meta *AdapterBatchMetadata) ([]int32, []int32) {
	n := len(meta.SegmentIndices)
	if n == 0 {
		return nil, nil
	}
	starts := make([]int32, n)
	ends := make([]int32, n)
	j := 0
	var count int32
	for _, h := range headIndices {
		for j < n-1 && h >= meta.AdapterSegments[j+1] {
			j++
			starts[j] = count
			ends[j] = count
		}
		count++
		ends[j] = count
	}
	for k := j + 1; k < n; k++ {
		starts[k] = count
		ends[k] = count
	}
	return starts, ends
}

func gather(ptrs []uint64, indices []int) []uint64 {
	out := make([]uint64, len(indices))
	for i, idx := range indices {
		out[i] = ptrs[idx]
	}
	return out
}
