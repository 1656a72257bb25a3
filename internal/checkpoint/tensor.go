// Package checkpoint persists and restores training state bundles.
//
// A bundle holds the model weights, the optional EMA weights, the opaque
// optimizer state owned by the worker, the epoch it was taken at and the
// resolved run configuration. Bundles are msgpack-encoded and written
// atomically; only the coordinating process writes.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// #region tensor

// Tensor is a dense float32 array stored little-endian.
type Tensor struct {
	Shape []int  `msgpack:"shape"`
	Data  []byte `msgpack:"data"`
}

// NewTensor packs values with the given shape.
func NewTensor(shape []int, values []float32) Tensor {
	return Tensor{Shape: append([]int(nil), shape...), Data: encodeFloats(values)}
}

// Values unpacks the payload.
func (t Tensor) Values() []float32 {
	return decodeFloats(t.Data)
}

// NumElements is the product of the shape. A scalar has one element.
func (t Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Validate checks that the shape has no negative dimension and that the
// payload holds exactly one float32 per element.
func (t Tensor) Validate() error {
	for _, d := range t.Shape {
		if d < 0 {
			return fmt.Errorf("negative dimension in shape %v", t.Shape)
		}
	}
	if want := t.NumElements() * 4; len(t.Data) != want {
		return fmt.Errorf("shape %v needs %d bytes, payload has %d", t.Shape, want, len(t.Data))
	}
	return nil
}

// SameShape reports whether t and o have identical dimensions.
func (t Tensor) SameShape(o Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// #endregion tensor

// #region state-dict

// StateDict maps parameter names to tensors.
type StateDict map[string]Tensor

// Names returns the parameter names in sorted order.
func (sd StateDict) Names() []string {
	names := make([]string, 0, len(sd))
	for k := range sd {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// NumParameters sums the element counts of every tensor.
func (sd StateDict) NumParameters() int64 {
	var n int64
	for _, t := range sd {
		n += int64(t.NumElements())
	}
	return n
}

// Clone copies the map and every tensor's backing storage.
func (sd StateDict) Clone() StateDict {
	if sd == nil {
		return nil
	}
	out := make(StateDict, len(sd))
	for k, t := range sd {
		out[k] = Tensor{
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]byte(nil), t.Data...),
		}
	}
	return out
}

// Validate checks every tensor and names the first bad one.
func (sd StateDict) Validate() error {
	for _, name := range sd.Names() {
		if err := sd[name].Validate(); err != nil {
			return fmt.Errorf("tensor %q: %w", name, err)
		}
	}
	return nil
}

// #endregion state-dict

// #region float-encoding
func encodeFloats(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeFloats(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// #endregion float-encoding
