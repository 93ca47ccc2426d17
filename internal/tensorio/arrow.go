// Package tensorio persists attention tensors and row statistics. Tensors
// travel as Arrow records with one row per (plane, position); row statistics
// are checkpointed as CBOR.
package tensorio

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/23skdu/longbow-flash/internal/device"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const (
	metaShape = "flashattn.shape"
	metaDType = "flashattn.dtype"
)

var (
	// ErrSchema is returned for records that do not describe a bundle.
	ErrSchema = errors.New("record is not a tensor bundle")
	// ErrEmpty is returned when a stream holds no record.
	ErrEmpty = errors.New("stream holds no record")
)

// Bundle is a set of same-shaped tensors plus per-row vectors of length
// batch*heads*seqLen, with free-form string metadata.
type Bundle struct {
	Shape    [4]int
	Tensors  map[string]*device.Tensor4D
	Vectors  map[string][]float32
	Metadata map[string]string
}

// NewBundle returns an empty bundle for the given shape.
func NewBundle(shape [4]int) *Bundle {
	return &Bundle{
		Shape:    shape,
		Tensors:  make(map[string]*device.Tensor4D),
		Vectors:  make(map[string][]float32),
		Metadata: make(map[string]string),
	}
}

func (b *Bundle) rows() int { return b.Shape[0] * b.Shape[1] * b.Shape[2] }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Encode builds an Arrow record from b. Tensor columns are fixed-size lists
// of the head dimension; vector columns are plain float32.
func Encode(mem memory.Allocator, b *Bundle) (arrow.RecordBatch, error) {
	rows := b.rows()
	d := b.Shape[3]

	var fields []arrow.Field
	var cols []arrow.Array
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	for _, name := range sortedKeys(b.Tensors) {
		t := b.Tensors[name]
		if t.Shape != b.Shape {
			return nil, fmt.Errorf("tensor %q has shape %v, bundle is %v", name, t.Shape, b.Shape)
		}
		lb := array.NewFixedSizeListBuilder(mem, int32(d), arrow.PrimitiveTypes.Float32)
		vb := lb.ValueBuilder().(*array.Float32Builder)
		lb.Reserve(rows)
		vb.Reserve(rows * d)
		for bh := 0; bh < t.BatchHeads(); bh++ {
			for s := 0; s < t.SeqLen(); s++ {
				lb.Append(true)
				vb.AppendValues(t.Row(bh, s), nil)
			}
		}
		cols = append(cols, lb.NewArray())
		lb.Release()
		md := arrow.NewMetadata([]string{metaDType}, []string{t.DType.String()})
		fields = append(fields, arrow.Field{Name: name, Type: arrow.FixedSizeListOf(int32(d), arrow.PrimitiveTypes.Float32), Metadata: md})
	}

	for _, name := range sortedKeys(b.Vectors) {
		v := b.Vectors[name]
		if len(v) != rows {
			return nil, fmt.Errorf("vector %q has %d rows, bundle has %d", name, len(v), rows)
		}
		fb := array.NewFloat32Builder(mem)
		fb.AppendValues(v, nil)
		cols = append(cols, fb.NewArray())
		fb.Release()
		fields = append(fields, arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Float32})
	}

	keys := []string{metaShape}
	vals := []string{fmt.Sprintf("%d,%d,%d,%d", b.Shape[0], b.Shape[1], b.Shape[2], b.Shape[3])}
	for _, k := range sortedKeys(b.Metadata) {
		keys = append(keys, k)
		vals = append(vals, b.Metadata[k])
	}
	md := arrow.NewMetadata(keys, vals)
	schema := arrow.NewSchema(fields, &md)
	return array.NewRecordBatch(schema, cols, int64(rows)), nil
}

// maxElements bounds the element count of one decoded tensor.
const maxElements = 1 << 40

// checkShape rejects shapes that cannot be allocated: every axis must be
// positive and the element count must stay below maxElements.
func checkShape(shape [4]int) error {
	n := 1
	for _, s := range shape {
		if s <= 0 {
			return fmt.Errorf("%w: non-positive shape %v", ErrSchema, shape)
		}
		if n > maxElements/s {
			return fmt.Errorf("%w: shape %v is too large", ErrSchema, shape)
		}
		n *= s
	}
	return nil
}

// Decode rebuilds a bundle from a record produced by Encode. Tensors come
// back packed in BHSD order.
func Decode(rec arrow.RecordBatch) (*Bundle, error) {
	md := rec.Schema().Metadata()
	idx := md.FindKey(metaShape)
	if idx < 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrSchema, metaShape)
	}
	var shape [4]int
	if _, err := fmt.Sscanf(md.Values()[idx], "%d,%d,%d,%d", &shape[0], &shape[1], &shape[2], &shape[3]); err != nil {
		return nil, fmt.Errorf("%w: bad shape %q: %v", ErrSchema, md.Values()[idx], err)
	}
	if err := checkShape(shape); err != nil {
		return nil, err
	}
	b := NewBundle(shape)
	if int64(b.rows()) != rec.NumRows() {
		return nil, fmt.Errorf("%w: %d rows for shape %v", ErrSchema, rec.NumRows(), shape)
	}
	for i, k := range md.Keys() {
		if k != metaShape {
			b.Metadata[k] = md.Values()[i]
		}
	}

	for i, f := range rec.Schema().Fields() {
		switch col := rec.Column(i).(type) {
		case *array.FixedSizeList:
			dtype := device.Float32
			if j := f.Metadata.FindKey(metaDType); j >= 0 {
				var err error
				if dtype, err = device.ParseDType(f.Metadata.Values()[j]); err != nil {
					return nil, fmt.Errorf("%w: column %q: %v", ErrSchema, f.Name, err)
				}
			}
			values, ok := col.ListValues().(*array.Float32)
			if !ok {
				return nil, fmt.Errorf("%w: column %q is not float32", ErrSchema, f.Name)
			}
			t := device.NewTensor4D(dtype, shape[0], shape[1], shape[2], shape[3])
			raw := values.Float32Values()
			for r := 0; r < col.Len(); r++ {
				start, end := col.ValueOffsets(r)
				if int(end-start) != shape[3] {
					return nil, fmt.Errorf("%w: column %q row %d has %d values", ErrSchema, f.Name, r, end-start)
				}
				copy(t.Data[r*shape[3]:], raw[start:end])
			}
			dtype.RoundSlice(t.Data)
			b.Tensors[f.Name] = t
		case *array.Float32:
			v := make([]float32, col.Len())
			copy(v, col.Float32Values())
			b.Vectors[f.Name] = v
		default:
			return nil, fmt.Errorf("%w: column %q has type %s", ErrSchema, f.Name, f.Type)
		}
	}
	return b, nil
}

// Write streams b as a single-record Arrow IPC stream.
func Write(w io.Writer, mem memory.Allocator, b *Bundle) error {
	rec, err := Encode(mem, b)
	if err != nil {
		return err
	}
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	return writer.Close()
}

// Read decodes the first record of an Arrow IPC stream.
func Read(r io.Reader, mem memory.Allocator) (*Bundle, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("failed to create IPC reader: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, err
		}
		return nil, ErrEmpty
	}
	return Decode(reader.Record())
}
