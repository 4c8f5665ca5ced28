package adapters

import (
	"testing"
)

// twoAdapterMeta is the canonical mixed-rank batch: adapter 0 on tokens
// [0,5) and [9,12), adapter 1 on [5,9).
func twoAdapterMeta() *AdapterBatchMetadata {
	tokens := make([]int, 12)
	for i := 0; i < 5; i++ {
		tokens[i] = 0
	}
	for i := 5; i < 9; i++ {
		tokens[i] = 1
	}
	for i := 9; i < 12; i++ {
		tokens[i] = 0
	}
	return &AdapterBatchMetadata{
		SegmentIndices:  []int{0, 1, 0},
		AdapterSegments: []int{0, 5, 9, 12},
		AdapterIndices:  tokens,
	}
}

func TestLoadBatchEmptySet(t *testing.T) {
	meta := twoAdapterMeta()

	if b := LoadBatchLoraWeights(map[int]AdapterWeights{}, meta, "q_proj", true, nil); b != nil {
		t.Error("empty adapter set must yield no aggregation")
	}

	// wrappers holding no LoRA weights are dropped
	ws := map[int]AdapterWeights{
		0: &WrappedLoraWeights{Lora: nil},
	}
	if b := LoadBatchLoraWeights(ws, meta, "q_proj", true, nil); b != nil {
		t.Error("wrapper without LoRA weights must yield no aggregation")
	}

	// adapters present but none referenced by any segment
	ws = map[int]AdapterWeights{
		7: makeLora(t, 8, 4, 2, 16),
	}
	if b := LoadBatchLoraWeights(ws, meta, "q_proj", true, nil); b != nil {
		t.Error("no participating segment must yield no aggregation")
	}
}

func TestKernelSelection(t *testing.T) {
	meta := twoAdapterMeta()
	small := map[int]AdapterWeights{
		0: makeLora(t, 8, 4, 2, 16),
		1: makeLora(t, 16, 4, 2, 16),
	}

	b := LoadBatchLoraWeights(small, meta, "q_proj", true, nil)
	if b == nil || !b.UseSGMV {
		t.Error("prefill must select the segment kernel regardless of rank")
	}

	b = LoadBatchLoraWeights(small, meta, "q_proj", false, nil)
	if b == nil || b.UseSGMV {
		t.Error("decode within BGMV capacity must select the per-token kernel")
	}

	big := map[int]AdapterWeights{
		0: makeLora(t, 8, 4, 2, 16),
		1: makeLora(t, 128, 4, 2, 16),
	}
	b = LoadBatchLoraWeights(big, meta, "q_proj", false, nil)
	if b == nil || !b.UseSGMV {
		t.Error("decode above BGMV capacity must fall back to the segment kernel")
	}
}

func TestEndToEndPrefill(t *testing.T) {
	meta := twoAdapterMeta()
	ws := map[int]AdapterWeights{
		0: makeLora(t, 8, 4, 2, 16),
		1: makeLora(t, 16, 4, 2, 16),
	}

	b := LoadBatchLoraWeights(ws, meta, "q_proj", true, nil)
	if b == nil {
		t.Fatal("expected aggregation")
	}
	if !b.UseSGMV {
		t.Fatal("expected segment kernel for prefill")
	}
	if b.LayerName != "q_proj" {
		t.Errorf("unexpected layer name %q", b.LayerName)
	}
	if !b.HasAdapter(0) || !b.HasAdapter(1) || b.HasAdapter(2) {
		t.Error("adapter membership wrong")
	}

	if len(b.RankData) != 2 {
		t.Fatalf("expected 2 rank groups, got %d", len(b.RankData))
	}

	g8, ok := b.RankData[8]
	if !ok {
		t.Fatal("missing rank-8 group")
	}
	if len(g8.LoraAPtr) != 2 || len(g8.LoraBPtr) != 2 {
		t.Fatalf("rank-8 group should hold 2 segments, got %d", len(g8.LoraAPtr))
	}
	wantRanges := [][2]int32{{0, 5}, {9, 12}}
	for i, r := range wantRanges {
		if g8.SegmentStarts[i] != r[0] || g8.SegmentEnds[i] != r[1] {
			t.Errorf("rank-8 segment %d: got [%d,%d), want [%d,%d)",
				i, g8.SegmentStarts[i], g8.SegmentEnds[i], r[0], r[1])
		}
	}
	if g8.TmpShrink == nil || g8.TmpExpand == nil {
		t.Error("rank-8 group missing scratch buffers")
	}
	if g8.TmpShrink != g8.TmpExpand {
		t.Error("cutlass rank should share one scratch buffer")
	}

	g16, ok := b.RankData[16]
	if !ok {
		t.Fatal("missing rank-16 group")
	}
	if len(g16.LoraAPtr) != 1 {
		t.Fatalf("rank-16 group should hold 1 segment, got %d", len(g16.LoraAPtr))
	}
	if g16.SegmentStarts[0] != 5 || g16.SegmentEnds[0] != 9 {
		t.Errorf("rank-16 range: got [%d,%d), want [5,9)", g16.SegmentStarts[0], g16.SegmentEnds[0])
	}
	if g16.TmpShrink == g16.TmpExpand {
		t.Error("custom-shrink rank must not share scratch buffers")
	}

	// decode-path tables stay empty on the prefill path
	if g8.Indices != nil || g16.Indices != nil {
		t.Error("prefill groups must not build per-token indices")
	}
}

func TestPointerTableAlignment(t *testing.T) {
	meta := twoAdapterMeta()
	lw0 := makeLora(t, 8, 4, 2, 16)
	lw1 := makeLora(t, 16, 4, 2, 16)
	ws := map[int]AdapterWeights{0: lw0, 1: lw1}

	b := LoadBatchLoraWeights(ws, meta, "q_proj", true, nil)
	if b == nil {
		t.Fatal("expected aggregation")
	}

	g8 := b.RankData[8]
	wantA := lw0.WeightsA().DataPtr()
	for i, p := range g8.LoraAPtr {
		if p != wantA {
			t.Errorf("rank-8 A pointer %d: got %#x, want %#x", i, p, wantA)
		}
	}
	g16 := b.RankData[16]
	if g16.LoraAPtr[0] != lw1.WeightsA().DataPtr() {
		t.Error("rank-16 A pointer mismatch")
	}
	if g16.LoraBPtr[0] != lw1.WeightsB().DataPtr() {
		t.Error("rank-16 B pointer mismatch")
	}
}

func TestSegmentWithoutLayerWeights(t *testing.T) {
	// adapter 1 has no weights for this layer: its segment is excluded from
	// every rank group and its pointer entries are the zero sentinel
	meta := twoAdapterMeta()
	lw0 := makeLora(t, 8, 4, 2, 16)
	ws := map[int]AdapterWeights{0: lw0}

	b := LoadBatchLoraWeights(ws, meta, "q_proj", true, nil)
	if b == nil {
		t.Fatal("expected aggregation for the covered adapter")
	}
	if b.HasAdapter(1) {
		t.Error("uncovered adapter must not appear in the config map")
	}
	if len(b.RankData) != 1 {
		t.Fatalf("expected 1 rank group, got %d", len(b.RankData))
	}
	g8 := b.RankData[8]
	if len(g8.LoraAPtr) != 2 {
		t.Fatalf("expected 2 rank-8 segments, got %d", len(g8.LoraAPtr))
	}
	for i, p := range g8.LoraAPtr {
		if p == 0 {
			t.Errorf("participating segment %d has sentinel pointer", i)
		}
	}
}

func TestRankGroupingCompleteness(t *testing.T) {
	// ranks 8, 16, 8, 64, 16 across five segments
	meta := &AdapterBatchMetadata{
		SegmentIndices:  []int{0, 1, 0, 2, 3},
		AdapterSegments: []int{0, 2, 4, 6, 8, 10},
		AdapterIndices:  []int{0, 0, 1, 1, 0, 0, 2, 2, 3, 3},
	}
	ws := map[int]AdapterWeights{
		0: makeLora(t, 8, 4, 1, 16),
		1: makeLora(t, 16, 4, 1, 16),
		2: makeLora(t, 64, 4, 1, 16),
		3: makeLora(t, 16, 4, 1, 16),
	}

	b := LoadBatchLoraWeights(ws, meta, "v_proj", true, nil)
	if b == nil {
		t.Fatal("expected aggregation")
	}

	seen := make(map[int]int)
	total := 0
	for rank, rs := range b.RankData {
		if rs.Rank != rank {
			t.Errorf("rank key %d disagrees with segment rank %d", rank, rs.Rank)
		}
		for i := range rs.SegmentStarts {
			segStart := rs.SegmentStarts[i]
			// map the token range back to the segment position
			found := -1
			for s := 0; s < len(meta.SegmentIndices); s++ {
				if int32(meta.AdapterSegments[s]) == segStart {
					found = s
					break
				}
			}
			if found < 0 {
				t.Fatalf("rank %d segment %d: no metadata segment starts at %d", rank, i, segStart)
			}
			seen[found]++
			total++
		}
	}

	if total != len(meta.SegmentIndices) {
		t.Errorf("expected %d grouped segments, got %d", len(meta.SegmentIndices), total)
	}
	for pos, n := range seen {
		if n != 1 {
			t.Errorf("segment position %d grouped %d times", pos, n)
		}
	}
}

func TestPerTokenIndices(t *testing.T) {
	meta := twoAdapterMeta()
	ws := map[int]AdapterWeights{
		0: makeLora(t, 8, 4, 2, 16),
		1: makeLora(t, 16, 4, 2, 16),
	}

	b := LoadBatchLoraWeights(ws, meta, "q_proj", false, nil)
	if b == nil {
		t.Fatal("expected aggregation")
	}
	if b.UseSGMV {
		t.Fatal("expected per-token kernel")
	}

	g8 := b.RankData[8]
	g16 := b.RankData[16]
	if g8.Indices == nil || g16.Indices == nil {
		t.Fatal("decode groups must build per-token indices")
	}
	if len(g8.Indices) != 12 || len(g16.Indices) != 12 {
		t.Fatalf("index arrays must span the whole batch, got %d/%d", len(g8.Indices), len(g16.Indices))
	}

	for tok := 0; tok < 12; tok++ {
		adapter := meta.AdapterIndices[tok]
		if adapter == 0 {
			// adapter 0 appears twice in the rank-8 group; both segments
			// point at the same weights, first occurrence wins
			if g8.Indices[tok] != 0 {
				t.Errorf("token %d: rank-8 index %d, want 0", tok, g8.Indices[tok])
			}
			if g16.Indices[tok] != -1 {
				t.Errorf("token %d: rank-16 index %d, want -1", tok, g16.Indices[tok])
			}
		} else {
			if g16.Indices[tok] != 0 {
				t.Errorf("token %d: rank-16 index %d, want 0", tok, g16.Indices[tok])
			}
			if g8.Indices[tok] != -1 {
				t.Errorf("token %d: rank-8 index %d, want -1", tok, g8.Indices[tok])
			}
		}
	}

	// scratch is a prefill concern
	if g8.TmpShrink != nil || g8.TmpExpand != nil {
		t.Error("decode groups must not allocate scratch")
	}
}

func TestHeadFilteredSegments(t *testing.T) {
	meta := twoAdapterMeta()
	ws := map[int]AdapterWeights{
		0: makeLora(t, 8, 4, 2, 16),
		1: makeLora(t, 16, 4, 2, 16),
	}

	// keep positions 0,4 (segment 0), 5,8 (segment 1), 11 (segment 2):
	// filtered boundaries are [0,2), [2,4), [4,5)
	heads := []int{0, 4, 5, 8, 11}
	b := LoadBatchLoraWeights(ws, meta, "q_proj", true, heads)
	if b == nil {
		t.Fatal("expected aggregation")
	}
	if len(b.PrefillHeadIndices) != len(heads) {
		t.Error("head indices must ride along for output selection")
	}

	g8 := b.RankData[8]
	if g8.SegmentStarts[0] != 0 || g8.SegmentEnds[0] != 2 {
		t.Errorf("filtered segment 0: got [%d,%d), want [0,2)", g8.SegmentStarts[0], g8.SegmentEnds[0])
	}
	if g8.SegmentStarts[1] != 4 || g8.SegmentEnds[1] != 5 {
		t.Errorf("filtered segment 2: got [%d,%d), want [4,5)", g8.SegmentStarts[1], g8.SegmentEnds[1])
	}

	g16 := b.RankData[16]
	if g16.SegmentStarts[0] != 2 || g16.SegmentEnds[0] != 4 {
		t.Errorf("filtered segment 1: got [%d,%d), want [2,4)", g16.SegmentStarts[0], g16.SegmentEnds[0])
	}
}

func TestHeadFilteredSkipsSegment(t *testing.T) {
	// no selected position inside segment 1: its filtered range is empty
	// and later segments still line up
	meta := twoAdapterMeta()
	starts, ends := headSegmentBounds([]int{0, 4, 9, 11}, meta)
	want := [][2]int32{{0, 2}, {2, 2}, {2, 4}}
	for i, w := range want {
		if starts[i] != w[0] || ends[i] != w[1] {
			t.Errorf("segment %d: got [%d,%d), want [%d,%d)", i, starts[i], ends[i], w[0], w[1])
		}
	}
}

func TestCanVectorize(t *testing.T) {
	meta := twoAdapterMeta()
	ws := map[int]AdapterWeights{
		0: makeLora(t, 8, 4, 2, 16),
		1: makeLora(t, 16, 4, 2, 16),
	}

	b := LoadBatchLoraWeights(ws, meta, "q_proj", true, nil)
	if !b.CanVectorize(1) {
		t.Error("small ranks off lm_head should vectorize")
	}

	lm := LoadBatchLoraWeights(ws, meta, LMHead, true, nil)
	if lm.CanVectorize(1) {
		t.Error("lm_head must not vectorize")
	}

	big := map[int]AdapterWeights{
		0: makeLora(t, 256, 4, 1, 16),
	}
	bigMeta := &AdapterBatchMetadata{
		SegmentIndices:  []int{0},
		AdapterSegments: []int{0, 4},
		AdapterIndices:  []int{0, 0, 0, 0},
	}
	bb := LoadBatchLoraWeights(big, bigMeta, "q_proj", true, nil)
	if bb.CanVectorize(1) {
		t.Error("per-shard rank above the fused cap must not vectorize")
	}
	if !bb.CanVectorize(2) {
		t.Error("sharding brings the per-shard rank under the cap")
	}
}

func TestDirectLoraWeightsSatisfyInterface(t *testing.T) {
	lw := makeLora(t, 8, 4, 1, 16)
	meta := &AdapterBatchMetadata{
		SegmentIndices:  []int{0},
		AdapterSegments: []int{0, 3},
		AdapterIndices:  []int{0, 0, 0},
	}

	// both the raw weights and a wrapper resolve to the same aggregation
	direct := LoadBatchLoraWeights(map[int]AdapterWeights{0: lw}, meta, "q_proj", true, nil)
	wrapped := LoadBatchLoraWeights(map[int]AdapterWeights{0: &WrappedLoraWeights{Lora: lw}}, meta, "q_proj", true, nil)
	if direct == nil || wrapped == nil {
		t.Fatal("expected aggregation from both carriers")
	}
	if direct.RankData[8].LoraAPtr[0] != wrapped.RankData[8].LoraAPtr[0] {
		t.Error("wrapper must unwrap to the same weights")
	}
}
