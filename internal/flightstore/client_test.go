package flightstore

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func buildRecord(t *testing.T, names []string, shapes [][]int64, data [][]float32) *array.RecordBuilder {
	t.Helper()
	bld := array.NewRecordBuilder(memory.NewGoAllocator(), AdapterSchema)
	nameB := bld.Field(0).(*array.StringBuilder)
	shapeB := bld.Field(1).(*array.ListBuilder)
	shapeVals := shapeB.ValueBuilder().(*array.Int64Builder)
	dataB := bld.Field(2).(*array.ListBuilder)
	dataVals := dataB.ValueBuilder().(*array.Float32Builder)

	for i, name := range names {
		nameB.Append(name)
		shapeB.Append(true)
		shapeVals.AppendValues(shapes[i], nil)
		dataB.Append(true)
		dataVals.AppendValues(data[i], nil)
	}
	return bld
}

func TestTensorsFromRecord(t *testing.T) {
	bld := buildRecord(t,
		[]string{
			"base_model.model.lm_head.lora_A.weight",
			"base_model.model.lm_head.lora_B.weight",
		},
		[][]int64{{2, 3}, {3, 2}},
		[][]float32{{1, 2, 3, 4, 5, 6}, {6, 5, 4, 3, 2, 1}},
	)
	defer bld.Release()

	rec := bld.NewRecord()
	defer rec.Release()

	tensors, err := TensorsFromRecord(rec)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(tensors) != 2 {
		t.Fatalf("expected 2 tensors, got %d", len(tensors))
	}

	a := tensors["base_model.model.lm_head.lora_A.weight"]
	if a == nil {
		t.Fatal("lora_A tensor missing")
	}
	if a.Size(0) != 2 || a.Size(1) != 3 {
		t.Errorf("unexpected lora_A dims %v", a.Dims())
	}
	if a.At(1, 2) != 6 {
		t.Errorf("unexpected lora_A[1,2] = %v", a.At(1, 2))
	}

	b := tensors["base_model.model.lm_head.lora_B.weight"]
	if b.Size(0) != 3 || b.Size(1) != 2 {
		t.Errorf("unexpected lora_B dims %v", b.Dims())
	}
}

func TestTensorsFromRecordShapeMismatch(t *testing.T) {
	// shape says 4 elements, payload has 2
	bld := buildRecord(t,
		[]string{"w"},
		[][]int64{{2, 2}},
		[][]float32{{1, 2}},
	)
	defer bld.Release()

	rec := bld.NewRecord()
	defer rec.Release()

	if _, err := TensorsFromRecord(rec); err == nil {
		t.Error("expected error for shape/payload mismatch")
	}
}

func TestFetchAdapterRequiresConnect(t *testing.T) {
	c := NewClient("localhost:3000")
	if _, err := c.FetchAdapter(context.Background(), "sql-adapter"); err == nil {
		t.Error("expected error before Connect")
	}
	// Close without Connect is a no-op
	if err := c.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
}
