package main

import (
	"bytes"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-npu/internal/channel"
	"github.com/23skdu/longbow-npu/internal/device"
)

func TestGenerateAndStream(t *testing.T) {
	mem := memory.NewGoAllocator()
	recs, err := generate(mem, 3, "2,2", "float16")
	require.NoError(t, err)
	require.Len(t, recs, 3)

	var buf bytes.Buffer
	require.NoError(t, writeArrowStream(&buf, recs))

	got, err := readStream(mem, &buf)
	require.NoError(t, err)
	require.Len(t, got, 3)

	for i, rec := range got {
		want, err := channel.FromRecord(recs[i])
		require.NoError(t, err)
		have, err := channel.FromRecord(rec)
		require.NoError(t, err)
		require.Len(t, have, 1)
		assert.Equal(t, device.Float16, have[0].Tensors[0].DataType())
		assert.Equal(t, []int{2, 2}, have[0].Tensors[0].Shape())
		assert.True(t, device.BitEqual(want[0].Tensors[0], have[0].Tensors[0]))
	}

	for _, r := range append(recs, got...) {
		r.Release()
	}
}

func TestGenerate_BadInput(t *testing.T) {
	mem := memory.NewGoAllocator()
	_, err := generate(mem, 1, "2,x", "float32")
	assert.Error(t, err)
	_, err = generate(mem, 1, "2", "complex64")
	assert.Error(t, err)
}

func TestReadStream_NotArrow(t *testing.T) {
	_, err := readStream(memory.NewGoAllocator(), bytes.NewReader([]byte("definitely not arrow")))
	assert.Error(t, err)
}

func TestWriteArrowStream_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeArrowStream(&buf, nil))
	assert.Zero(t, buf.Len())
}
