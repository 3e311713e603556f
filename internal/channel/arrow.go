package channel

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-npu/internal/device"
)

const (
	metaShape = "shape"
	metaDType = "dtype"
)

// ToRecord encodes a dataset of host tensors as a single-row record: one
// list column per tensor, with shape and dtype in the field metadata.
func ToRecord(mem memory.Allocator, ds *device.DataSet) (arrow.RecordBatch, error) {
	if len(ds.Names) != len(ds.Tensors) {
		return nil, fmt.Errorf("dataset has %d names for %d tensors", len(ds.Names), len(ds.Tensors))
	}
	fields := make([]arrow.Field, len(ds.Tensors))
	cols := make([]arrow.Array, len(ds.Tensors))
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()

	for i, t := range ds.Tensors {
		if !t.IsHost() {
			return nil, fmt.Errorf("tensor %s: %w", ds.Names[i], device.ErrWrongDevice)
		}
		md := arrow.NewMetadata(
			[]string{metaShape, metaDType},
			[]string{device.ShapeString(t.Shape()), t.DataType().String()},
		)
		if t.DataType() == device.Int32 {
			lb := array.NewListBuilder(mem, arrow.PrimitiveTypes.Int32)
			lb.Append(true)
			lb.ValueBuilder().(*array.Int32Builder).AppendValues(t.Int32s(), nil)
			cols[i] = lb.NewArray()
			lb.Release()
			fields[i] = arrow.Field{Name: ds.Names[i], Type: arrow.ListOf(arrow.PrimitiveTypes.Int32), Metadata: md}
			continue
		}
		lb := array.NewListBuilder(mem, arrow.PrimitiveTypes.Float32)
		lb.Append(true)
		lb.ValueBuilder().(*array.Float32Builder).AppendValues(t.Float32s(), nil)
		cols[i] = lb.NewArray()
		lb.Release()
		fields[i] = arrow.Field{Name: ds.Names[i], Type: arrow.ListOf(arrow.PrimitiveTypes.Float32), Metadata: md}
	}

	schema := arrow.NewSchema(fields, nil)
	return array.NewRecordBatch(schema, cols, 1), nil
}

// FromRecord decodes every row of rec produced by ToRecord into datasets.
func FromRecord(rec arrow.RecordBatch) ([]*device.DataSet, error) {
	schema := rec.Schema()
	out := make([]*device.DataSet, rec.NumRows())
	for r := range out {
		out[r] = &device.DataSet{}
	}
	for c, f := range schema.Fields() {
		shapeIdx := f.Metadata.FindKey(metaShape)
		dtypeIdx := f.Metadata.FindKey(metaDType)
		if shapeIdx < 0 || dtypeIdx < 0 {
			return nil, fmt.Errorf("column %s lacks shape/dtype metadata", f.Name)
		}
		shape, err := device.ParseShape(f.Metadata.Values()[shapeIdx])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", f.Name, err)
		}
		dtype, err := device.ParseDataType(f.Metadata.Values()[dtypeIdx])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", f.Name, err)
		}
		list, ok := rec.Column(c).(*array.List)
		if !ok {
			return nil, fmt.Errorf("column %s is %s, want a list", f.Name, rec.Column(c).DataType())
		}
		for r := range out {
			start, end := list.ValueOffsets(r)
			t, err := decodeRow(list.ListValues(), int(start), int(end), shape, dtype)
			if err != nil {
				return nil, fmt.Errorf("column %s row %d: %w", f.Name, r, err)
			}
			out[r].Names = append(out[r].Names, f.Name)
			out[r].Tensors = append(out[r].Tensors, t)
		}
	}
	return out, nil
}

func decodeRow(values arrow.Array, start, end int, shape []int, dtype device.DataType) (*device.Tensor, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if end-start != n {
		return nil, fmt.Errorf("%d values for shape %v", end-start, shape)
	}
	switch v := values.(type) {
	case *array.Int32:
		if dtype != device.Int32 {
			return nil, fmt.Errorf("int32 values for dtype %s", dtype)
		}
		return device.NewInt32Tensor(shape, v.Int32Values()[start:end]), nil
	case *array.Float32:
		if !dtype.IsFloat() {
			return nil, fmt.Errorf("float32 values for dtype %s", dtype)
		}
		return device.NewTensor(shape, dtype, v.Float32Values()[start:end]), nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", values.DataType())
	}
}
