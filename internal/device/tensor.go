package device

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Tensor is a dense row-major float32 tensor resident in host memory.
// Weight blocks handed to the batched kernels are referenced by their raw
// data pointer, so a Tensor must stay alive for as long as any pointer
// table derived from it.
type Tensor struct {
	data    []float32
	dims    []int
	strides []int
	name    string
}

func NewTensor(name string, data []float32, dims ...int) *Tensor {
	if len(dims) == 0 {
		dims = []int{len(data)}
	}
	n := 1
	for _, d := range dims {
		n *= d
	}
	if n != len(data) {
		panic(fmt.Sprintf("tensor %s: dims %v do not match data length %d", name, dims, len(data)))
	}
	RecordMemory(int64(len(data)) * 4)
	return &Tensor{
		data:    data,
		dims:    append([]int(nil), dims...),
		strides: rowMajorStrides(dims),
		name:    name,
	}
}

// Zeros allocates a zero-filled tensor of the given shape.
func Zeros(name string, dims ...int) *Tensor {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return NewTensor(name, make([]float32, n), dims...)
}

// Scratch allocates a flat kernel scratch buffer of n elements.
func Scratch(n int) *Tensor {
	return Zeros("scratch", n)
}

func rowMajorStrides(dims []int) []int {
	strides := make([]int, len(dims))
	s := 1
	for i := len(dims) - 1; i >= 0; i-- {
		strides[i] = s
		s *= dims[i]
	}
	return strides
}

func (t *Tensor) Dims() []int {
	return t.dims
}

func (t *Tensor) Size(i int) int {
	return t.dims[i]
}

func (t *Tensor) Strides() []int {
	return t.strides
}

func (t *Tensor) Data() []float32 {
	return t.data
}

func (t *Tensor) Name() string {
	return t.name
}

func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.dims {
		n *= d
	}
	return n
}

// DataPtr returns the raw address of the tensor's backing storage as a
// 64-bit integer, the representation kernel pointer tables use. The zero
// address is reserved for "no weights" slots.
func (t *Tensor) DataPtr() uint64 {
	if t == nil || len(t.data) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&t.data[0])))
}

// At reads one element by coordinate.
func (t *Tensor) At(idx ...int) float32 {
	if len(idx) != len(t.dims) {
		panic(fmt.Sprintf("tensor %s: At got %d indices for %d dims", t.name, len(idx), len(t.dims)))
	}
	off := 0
	for i, x := range idx {
		off += x * t.strides[i]
	}
	return t.data[off]
}

// Scale returns a copy of t with every element multiplied by s.
func (t *Tensor) Scale(s float32) *Tensor {
	out := make([]float32, len(t.data))
	for i, v := range t.data {
		out[i] = v * s
	}
	return NewTensor(t.name, out, t.dims...)
}

// Transpose returns a contiguous copy of a 2D tensor with its axes swapped.
func (t *Tensor) Transpose() *Tensor {
	if len(t.dims) != 2 {
		panic(fmt.Sprintf("tensor %s: Transpose requires 2 dims, got %d", t.name, len(t.dims)))
	}
	rows, cols := t.dims[0], t.dims[1]
	out := make([]float32, len(t.data))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = t.data[r*cols+c]
		}
	}
	return NewTensor(t.name, out, cols, rows)
}

// Transpose12 returns a contiguous copy of a 3D tensor with its last two
// axes swapped: [l, m, n] -> [l, n, m].
func (t *Tensor) Transpose12() *Tensor {
	if len(t.dims) != 3 {
		panic(fmt.Sprintf("tensor %s: Transpose12 requires 3 dims, got %d", t.name, len(t.dims)))
	}
	l, m, n := t.dims[0], t.dims[1], t.dims[2]
	out := make([]float32, len(t.data))
	for i := 0; i < l; i++ {
		block := t.data[i*m*n : (i+1)*m*n]
		outBlock := out[i*m*n : (i+1)*m*n]
		for r := 0; r < m; r++ {
			for c := 0; c < n; c++ {
				outBlock[c*m+r] = block[r*n+c]
			}
		}
	}
	return NewTensor(t.name, out, l, n, m)
}

// PadDim returns a copy of a 2D tensor zero-padded along dim up to size.
// Returns t unchanged when the dimension already meets the target.
func (t *Tensor) PadDim(dim, size int) *Tensor {
	if len(t.dims) != 2 {
		panic(fmt.Sprintf("tensor %s: PadDim requires 2 dims, got %d", t.name, len(t.dims)))
	}
	if t.dims[dim] >= size {
		return t
	}
	rows, cols := t.dims[0], t.dims[1]
	newRows, newCols := rows, cols
	if dim == 0 {
		newRows = size
	} else {
		newCols = size
	}
	out := make([]float32, newRows*newCols)
	for r := 0; r < rows; r++ {
		copy(out[r*newCols:r*newCols+cols], t.data[r*cols:(r+1)*cols])
	}
	return NewTensor(t.name, out, newRows, newCols)
}

// Stack concatenates equally-shaped tensors along a new leading dimension.
func Stack(name string, ts []*Tensor) *Tensor {
	if len(ts) == 0 {
		return NewTensor(name, nil, 0)
	}
	base := ts[0].dims
	per := ts[0].NumElements()
	out := make([]float32, per*len(ts))
	for i, t := range ts {
		if len(t.dims) != len(base) {
			panic(fmt.Sprintf("stack %s: tensor %d has %d dims, want %d", name, i, len(t.dims), len(base)))
		}
		for j := range base {
			if t.dims[j] != base[j] {
				panic(fmt.Sprintf("stack %s: tensor %d shape %v, want %v", name, i, t.dims, base))
			}
		}
		copy(out[i*per:(i+1)*per], t.data)
	}
	dims := append([]int{len(ts)}, base...)
	return NewTensor(name, out, dims...)
}

// Equal reports shape and bitwise element equality.
func (t *Tensor) Equal(o *Tensor) bool {
	if len(t.dims) != len(o.dims) {
		return false
	}
	for i := range t.dims {
		if t.dims[i] != o.dims[i] {
			return false
		}
	}
	for i := range t.data {
		if t.data[i] != o.data[i] {
			return false
		}
	}
	return true
}

var allocatedBytes int64

func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

func RecordMemory(n int64) {
	atomic.AddInt64(&allocatedBytes, n)
}
