package serialization

// Format constants.
const (
	DTypeF32       = "F32" // The only dtype the engine stores
	MetadataKey    = "__metadata__"
	ChecksumKey    = "sha256"
	headerSizeLen  = 8
	float32ByteLen = 4
)

// Tensor is a host-side float32 tensor.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NumElements returns the element count implied by Shape.
func (t Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// TensorMeta describes where a tensor lives in the data section.
type TensorMeta struct {
	Name   string
	DType  string
	Shape  []int
	Offset int64 // Offset in the data section (bytes)
	Size   int64 // Size in bytes
}

// tensorHeader is one tensor entry of the SafeTensors JSON header.
type tensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// File is a decoded SafeTensors file.
type File struct {
	Tensors  map[string]Tensor
	Metadata map[string]string
}
