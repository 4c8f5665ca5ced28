// Package checkpoint reads adapter checkpoints from disk: the
// adapter_config.json hyperparameter record and a flat directory of raw
// tensor files, one per checkpoint tensor name. Tensors are stored as
// little-endian dumps with a small shape header, in float32 (.f32) or IEEE
// half precision (.f16).
package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-bodkin/internal/adapters"
	"github.com/23skdu/longbow-bodkin/internal/device"
)

// Record mirrors the adapter_config.json layout of a LoRA checkpoint.
type Record struct {
	BaseModelNameOrPath string   `json:"base_model_name_or_path"`
	R                   int      `json:"r"`
	TargetModules       []string `json:"target_modules"`
	FanInFanOut         bool     `json:"fan_in_fan_out"`
	LoraAlpha           int      `json:"lora_alpha"`
	UseRSLoRA           bool     `json:"use_rslora"`
	PeftType            string   `json:"peft_type"`
}

// Validate is the one load-time check that surfaces to the operator:
// a config missing required fields never reaches serving.
func (r *Record) Validate() error {
	if r.R <= 0 {
		return fmt.Errorf("invalid rank: %d (must be positive)", r.R)
	}
	if r.LoraAlpha <= 0 {
		return fmt.Errorf("invalid lora_alpha: %d (must be positive)", r.LoraAlpha)
	}
	if len(r.TargetModules) == 0 {
		return fmt.Errorf("no target_modules in adapter config")
	}
	return nil
}

func (r *Record) ToLoraConfig() *adapters.LoraConfig {
	return &adapters.LoraConfig{
		BaseModelName: r.BaseModelNameOrPath,
		Rank:          r.R,
		TargetModules: append([]string(nil), r.TargetModules...),
		FanInFanOut:   r.FanInFanOut,
		Alpha:         r.LoraAlpha,
		UseRSLoRA:     r.UseRSLoRA,
	}
}

// LoadConfig reads and validates adapter_config.json from a checkpoint dir.
func LoadConfig(dir string) (*Record, error) {
	path := filepath.Join(dir, "adapter_config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read adapter config: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse adapter config %s: %w", path, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("malformed adapter config %s: %w", path, err)
	}
	return &rec, nil
}

// LoadTensors reads every .f32/.f16 file in dir into a flat tensor-name map.
// The file base name is the checkpoint tensor name.
func LoadTensors(dir string) (map[string]*device.Tensor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint dir: %w", err)
	}

	tensors := make(map[string]*device.Tensor)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".f32" && ext != ".f16" {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ext)
		t, err := ReadTensor(filepath.Join(dir, e.Name()), name)
		if err != nil {
			return nil, err
		}
		tensors[name] = t
	}
	return tensors, nil
}

// ReadTensor reads one raw tensor file. Layout: uint32 ndims, ndims uint32
// dims, then the row-major payload, all little-endian.
func ReadTensor(path, name string) (*device.Tensor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tensor %s: %w", name, err)
	}
	if len(raw) < 4 {
		return nil, fmt.Errorf("tensor %s truncated: %d bytes", name, len(raw))
	}

	ndims := int(binary.LittleEndian.Uint32(raw))
	raw = raw[4:]
	if len(raw) < ndims*4 {
		return nil, fmt.Errorf("tensor %s truncated in shape header", name)
	}
	dims := make([]int, ndims)
	n := 1
	for i := 0; i < ndims; i++ {
		dims[i] = int(binary.LittleEndian.Uint32(raw[i*4:]))
		n *= dims[i]
	}
	raw = raw[ndims*4:]

	data := make([]float32, n)
	switch filepath.Ext(path) {
	case ".f32":
		if len(raw) < n*4 {
			return nil, fmt.Errorf("tensor %s truncated: expected %d bytes, got %d", name, n*4, len(raw))
		}
		for i := range data {
			bits := binary.LittleEndian.Uint32(raw[i*4:])
			data[i] = math.Float32frombits(bits)
		}
	case ".f16":
		if len(raw) < n*2 {
			return nil, fmt.Errorf("tensor %s truncated: expected %d bytes, got %d", name, n*2, len(raw))
		}
		for i := range data {
			bits := binary.LittleEndian.Uint16(raw[i*2:])
			data[i] = float16.Frombits(bits).Float32()
		}
	default:
		return nil, fmt.Errorf("unsupported tensor extension %q", filepath.Ext(path))
	}

	return device.NewTensor(name, data, dims...), nil
}

// WriteTensor writes a tensor in the raw .f32/.f16 layout, chosen by the
// path extension. Used by tooling and tests; serving only reads.
func WriteTensor(path string, t *device.Tensor) error {
	dims := t.Dims()
	buf := make([]byte, 0, 4+len(dims)*4+t.NumElements()*4)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(dims)))
	for _, d := range dims {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(d))
	}
	switch filepath.Ext(path) {
	case ".f32":
		for _, v := range t.Data() {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	case ".f16":
		for _, v := range t.Data() {
			buf = binary.LittleEndian.AppendUint16(buf, float16.Fromfloat32(v).Bits())
		}
	default:
		return fmt.Errorf("unsupported tensor extension %q", filepath.Ext(path))
	}
	return os.WriteFile(path, buf, 0644)
}
