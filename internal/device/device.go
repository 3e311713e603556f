package device

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// DeviceType identifies the kind of memory a tensor lives in.
type DeviceType int

const (
	CPU DeviceType = iota
	NPU
)

func (t DeviceType) String() string {
	switch t {
	case CPU:
		return "cpu"
	case NPU:
		return "npu"
	default:
		return "unknown"
	}
}

// Device is a concrete device (type + ordinal).
type Device struct {
	Type  DeviceType
	Index int
}

// Host is the fallback device. It is always available.
var Host = Device{Type: CPU}

func (d Device) String() string {
	if d.Type == CPU {
		return "cpu"
	}
	return d.Type.String() + ":" + strconv.Itoa(d.Index)
}

type DataType int

const (
	Float32 DataType = iota
	Float16
	Int32
)

func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Int32:
		return "int32"
	default:
		return "unknown"
	}
}

// ParseDataType is the inverse of DataType.String.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(s) {
	case "float32", "fp32":
		return Float32, nil
	case "float16", "fp16", "half":
		return Float16, nil
	case "int32":
		return Int32, nil
	default:
		return 0, fmt.Errorf("unknown dtype %q", s)
	}
}

// ElemSize returns the storage size of one element in bytes.
func (dt DataType) ElemSize() int {
	if dt == Float16 {
		return 2
	}
	return 4
}

// IsFloat reports whether values of this type are floating point.
func (dt DataType) IsFloat() bool {
	return dt == Float32 || dt == Float16
}

// Format is the storage format of a device tensor. Formats other than ND
// are accelerator-internal layouts; the simulator treats them as metadata.
type Format int

const (
	FormatND Format = iota
	FormatNCHW
	FormatNC1HWC0
	FormatFractalNZ
)

func (f Format) String() string {
	switch f {
	case FormatND:
		return "ND"
	case FormatNCHW:
		return "NCHW"
	case FormatNC1HWC0:
		return "NC1HWC0"
	case FormatFractalNZ:
		return "FRACTAL_NZ"
	default:
		return "UNKNOWN"
	}
}

// IsBase reports whether f is a framework-visible (non-internal) format.
func (f Format) IsBase() bool {
	return f == FormatND || f == FormatNCHW
}

// Tensor is a dense, contiguous n-dimensional array resident on one device.
// Storage is little-endian in the tensor's dtype. Host tensors expose their
// values; accelerator tensors can only be read through a Runtime transfer.
type Tensor struct {
	device Device
	dtype  DataType
	format Format
	shape  []int
	buf    []byte
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func checkShape(shape []int) {
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("device: negative dimension in shape %v", shape))
		}
	}
}

// NewTensor creates a host tensor. For Float16 the values are converted
// with Float32ToFloat16. data may be nil for a zero tensor.
func NewTensor(shape []int, dtype DataType, data []float32) *Tensor {
	checkShape(shape)
	n := numel(shape)
	if data != nil && len(data) != n {
		panic(fmt.Sprintf("NewTensor: provided data length %d does not match shape %v", len(data), shape))
	}
	t := &Tensor{
		device: Host,
		dtype:  dtype,
		shape:  slices.Clone(shape),
		buf:    make([]byte, n*dtype.ElemSize()),
	}
	if data != nil {
		encode(t.buf, dtype, data)
	}
	return t
}

// NewInt32Tensor creates an int32 host tensor.
func NewInt32Tensor(shape []int, data []int32) *Tensor {
	checkShape(shape)
	n := numel(shape)
	if data != nil && len(data) != n {
		panic(fmt.Sprintf("NewInt32Tensor: provided data length %d does not match shape %v", len(data), shape))
	}
	t := &Tensor{
		device: Host,
		dtype:  Int32,
		shape:  slices.Clone(shape),
		buf:    make([]byte, n*4),
	}
	for i, v := range data {
		binary.LittleEndian.PutUint32(t.buf[i*4:], uint32(v))
	}
	return t
}

// Scalar creates a 0-d host tensor.
func Scalar(v float32, dtype DataType) *Tensor {
	if dtype == Int32 {
		return NewInt32Tensor(nil, []int32{int32(v)})
	}
	return NewTensor(nil, dtype, []float32{v})
}

func (t *Tensor) Device() Device { return t.device }

func (t *Tensor) DataType() DataType { return t.dtype }

func (t *Tensor) Format() Format { return t.format }

func (t *Tensor) IsHost() bool { return t.device.Type == CPU }

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

// Dim returns the number of dimensions.
func (t *Tensor) Dim() int { return len(t.shape) }

// Size returns dimension i; negative i counts from the end.
func (t *Tensor) Size(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Numel returns the element count.
func (t *Tensor) Numel() int { return numel(t.shape) }

// NBytes returns the storage size in bytes.
func (t *Tensor) NBytes() int { return len(t.buf) }

func (t *Tensor) mustHost(op string) {
	if !t.IsHost() {
		panic(fmt.Sprintf("%s: tensor resides on %s; transfer it to the host first", op, t.device))
	}
}

// Float32s decodes a host tensor into float32 values.
func (t *Tensor) Float32s() []float32 {
	t.mustHost("Float32s")
	return decode(t.buf, t.dtype)
}

// Int32s returns the values of an int32 host tensor.
func (t *Tensor) Int32s() []int32 {
	t.mustHost("Int32s")
	if t.dtype != Int32 {
		panic(fmt.Sprintf("Int32s: tensor dtype is %s", t.dtype))
	}
	out := make([]int32, len(t.buf)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(t.buf[i*4:]))
	}
	return out
}

// Bytes returns a copy of a host tensor's raw storage.
func (t *Tensor) Bytes() []byte {
	t.mustHost("Bytes")
	return bytes.Clone(t.buf)
}

// SetFloat32s overwrites a host tensor's values.
func (t *Tensor) SetFloat32s(data []float32) {
	t.mustHost("SetFloat32s")
	if len(data) != t.Numel() {
		panic("SetFloat32s: size mismatch")
	}
	encode(t.buf, t.dtype, data)
}

// SetInt32s overwrites an int32 host tensor's values.
func (t *Tensor) SetInt32s(data []int32) {
	t.mustHost("SetInt32s")
	if t.dtype != Int32 || len(data) != t.Numel() {
		panic("SetInt32s: dtype or size mismatch")
	}
	for i, v := range data {
		binary.LittleEndian.PutUint32(t.buf[i*4:], uint32(v))
	}
}

// Clone returns a deep copy on the same device.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		device: t.device,
		dtype:  t.dtype,
		format: t.format,
		shape:  slices.Clone(t.shape),
		buf:    bytes.Clone(t.buf),
	}
}

// Reshape returns a host copy with a new shape of equal element count.
func (t *Tensor) Reshape(shape []int) *Tensor {
	if numel(shape) != t.Numel() {
		panic(fmt.Sprintf("Reshape: cannot view %v as %v", t.shape, shape))
	}
	c := t.Clone()
	c.shape = slices.Clone(shape)
	return c
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%v, %s, %s, %s)", t.shape, t.dtype, t.format, t.device)
}

// SameMeta reports whether a and b agree on shape and dtype.
func SameMeta(a, b *Tensor) bool {
	return a.dtype == b.dtype && slices.Equal(a.shape, b.shape)
}

// BitEqual reports whether two host tensors hold bit-identical storage.
func BitEqual(a, b *Tensor) bool {
	a.mustHost("BitEqual")
	b.mustHost("BitEqual")
	return SameMeta(a, b) && bytes.Equal(a.buf, b.buf)
}

// ShapeString renders a shape as "2,3,4" (empty for scalars).
func ShapeString(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// ParseShape is the inverse of ShapeString.
func ParseShape(s string) ([]int, error) {
	if s == "" {
		return []int{}, nil
	}
	parts := strings.Split(s, ",")
	shape := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid shape %q", s)
		}
		shape[i] = d
	}
	return shape, nil
}
