package serialization

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeTensorsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.safetensors")

	tensors := map[string]Tensor{
		"0.affine.weight": {Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		"0.affine.bias":   {Shape: []int{1, 3}, Data: []float32{0.1, -0.2, 0.3}},
	}
	require.NoError(t, WriteSafeTensors(path, tensors, map[string]string{"epoch": "7"}))

	f, err := ReadSafeTensors(path)
	require.NoError(t, err)

	assert.Equal(t, tensors, f.Tensors)
	assert.Equal(t, "7", f.Metadata["epoch"])
	assert.NotEmpty(t, f.Metadata[ChecksumKey])
}

func TestSafeTensors_LayoutIsSorted(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeSafeTensors(&buf, map[string]Tensor{
		"b": {Shape: []int{1}, Data: []float32{2}},
		"a": {Shape: []int{1}, Data: []float32{1}},
	}, nil))

	raw := buf.Bytes()
	headerSize := binary.LittleEndian.Uint64(raw[:8])
	data := raw[8+headerSize:]
	require.Len(t, data, 8)
	// "a" comes first in the data section.
	assert.Equal(t, []byte{0, 0, 0x80, 0x3f}, data[:4])
}

func TestSafeTensors_ChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeSafeTensors(&buf, map[string]Tensor{
		"w": {Shape: []int{2}, Data: []float32{1, 2}},
	}, nil))

	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xff

	_, err := DecodeSafeTensors(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestSafeTensors_ShapeDataMismatch(t *testing.T) {
	var buf bytes.Buffer
	err := EncodeSafeTensors(&buf, map[string]Tensor{
		"w": {Shape: []int{2, 2}, Data: []float32{1, 2}},
	}, nil)
	assert.ErrorIs(t, err, ErrShapeSize)
}

func TestSafeTensors_HeaderTooLarge(t *testing.T) {
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint64(raw, MaxHeaderSize+1)
	_, err := DecodeSafeTensors(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestValidateTensorOffsets(t *testing.T) {
	tests := []struct {
		name     string
		tensors  []TensorMeta
		dataSize int64
		wantErr  error
	}{
		{
			name:     "adjacent",
			tensors:  []TensorMeta{{Name: "a", Offset: 0, Size: 100}, {Name: "b", Offset: 100, Size: 100}},
			dataSize: 200,
		},
		{
			name:     "overlap",
			tensors:  []TensorMeta{{Name: "a", Offset: 0, Size: 100}, {Name: "b", Offset: 99, Size: 100}},
			dataSize: 200,
			wantErr:  ErrOffsetOverlap,
		},
		{
			name:     "out of bounds",
			tensors:  []TensorMeta{{Name: "a", Offset: 150, Size: 100}},
			dataSize: 200,
			wantErr:  ErrOutOfBounds,
		},
		{
			name:     "negative",
			tensors:  []TensorMeta{{Name: "a", Offset: -4, Size: 4}},
			dataSize: 200,
			wantErr:  ErrNegativeOffset,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTensorOffsets(tt.tensors, tt.dataSize)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)

			var verr *ValidationError
			assert.True(t, errors.As(err, &verr))
		})
	}
}

func TestValidateTensorName(t *testing.T) {
	for _, name := range []string{"", "../etc", "a/b", `a\b`, "a\x00b"} {
		assert.ErrorIs(t, ValidateTensorName(name), ErrInvalidTensorName, "name %q", name)
	}
	assert.NoError(t, ValidateTensorName("1.gru.0.wh"))
}
