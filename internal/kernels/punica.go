// Package kernels holds the dispatch policy for the batched low-rank-update
// kernel families: which ranks the segment (SGMV) and per-token (BGMV)
// kernels accept, how out-of-family ranks are padded, the weight orientation
// each shrink variant expects, and the scratch sizing rule shared with the
// kernel launchers. The kernels themselves are opaque numeric primitives.
package kernels

import (
	"github.com/23skdu/longbow-bodkin/internal/device"
)

const (
	// MinSGMVRank is the smallest per-shard rank the segment kernel accepts.
	MinSGMVRank = 8

	// SGMVBlockSize is the rank granularity above the largest tabled size.
	SGMVBlockSize = 16

	// MinRankCustom and MaxRankCustom bound the custom (non-cutlass) shrink
	// kernel; ranks below MinRankCustom take the cutlass path.
	MinRankCustom = 16
	MaxRankCustom = 128

	// BGMVMaxRank is the fixed capacity of the per-token kernel. Decode
	// batches whose max rank exceeds this are routed to the segment kernel.
	BGMVMaxRank = 64
)

// sgmvRanks is the sorted set of per-shard rank sizes the segment kernel
// ships specializations for.
var sgmvRanks = []int{8, 16, 32, 64, 128}

// SupportedRanks returns the sorted set of total (pre-shard) ranks that land
// on a kernel boundary once divided across worldSize shards.
func SupportedRanks(worldSize int) []int {
	out := make([]int, len(sgmvRanks))
	for i, r := range sgmvRanks {
		out[i] = r * worldSize
	}
	return out
}

// PaddedRank returns the smallest supported total rank >= rank. Ranks past
// the largest tabled size are rounded up to the block granularity instead.
func PaddedRank(rank, worldSize int) int {
	for _, r := range SupportedRanks(worldSize) {
		if rank <= r {
			return r
		}
	}
	block := SGMVBlockSize * worldSize
	return ((rank + block - 1) / block) * block
}

// PadRank zero-pads the rank dimension dim of a 2D weight matrix so that
// rank/worldSize lands on a supported kernel boundary.
func PadRank(t *device.Tensor, dim, worldSize int) *device.Tensor {
	return t.PadDim(dim, PaddedRank(t.Size(dim), worldSize))
}

// UseCutlassShrink reports whether the cutlass shrink variant serves this
// rank. The cutlass shrink wants A oriented rank-innermost, so this flag
// also decides whether the A block is transposed on an orientation flip.
func UseCutlassShrink(rank int) bool {
	return rank < MinRankCustom
}

// OrientForRank orients a per-layer A matrix for the shrink kernel serving
// its rank. The custom shrink wants the contraction dimension innermost;
// the cutlass shrink takes the matrix as loaded.
func OrientForRank(t *device.Tensor, rank int) *device.Tensor {
	if MinRankCustom <= rank && rank <= MaxRankCustom {
		return t.Transpose()
	}
	return t
}

// ScratchSize is the sizing rule for segment-kernel scratch, shared with the
// kernel launcher: one rank-by-block tile per segment.
func ScratchSize(numSegments, rank int) int {
	return numSegments * rank * SGMVBlockSize
}

// TmpTensors allocates the shrink and expand scratch buffers for one rank
// group of a segment-kernel invocation. The cutlass shrink shares a single
// buffer between the two phases; the custom shrink needs none of its own.
func TmpTensors(numSegments, rank int) (*device.Tensor, *device.Tensor) {
	if UseCutlassShrink(rank) {
		tmp := device.Scratch(ScratchSize(numSegments, rank))
		return tmp, tmp
	}
	return device.Scratch(1), device.Scratch(ScratchSize(numSegments, rank))
}
