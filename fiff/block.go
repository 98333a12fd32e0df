package fiff

import (
	"encoding/binary"
	"fmt"
	"math"
)

// BlockKind classifies a frame read from the data stream.
type BlockKind int

const (
	BlockKindOther BlockKind = iota // Any frame that is neither data nor a block end
	BlockKindData                   // A buffer of samples
	BlockKindEnd                    // End of the current measurement
)

// String returns a human-readable name for the block kind.
func (k BlockKind) String() string {
	switch k {
	case BlockKindData:
		return "Data"
	case BlockKindEnd:
		return "BlockEnd"
	default:
		return "Other"
	}
}

// SampleBlock is one buffer of multichannel samples. Data is stored channel
// major: the value of channel ch at sample s is Data[ch*Samples+s]. A block is
// never modified after construction, so it may be handed to several buffers.
type SampleBlock struct {
	Kind     BlockKind
	Channels int
	Samples  int
	Data     []float32
}

// NewSampleBlock builds a data block from channel-major samples.
func NewSampleBlock(channels, samples int, data []float32) (SampleBlock, error) {
	if channels <= 0 || samples < 0 || len(data) != channels*samples {
		return SampleBlock{}, fmt.Errorf("%w: %d values for %d channels x %d samples", ErrMalformed, len(data), channels, samples)
	}

	return SampleBlock{Kind: BlockKindData, Channels: channels, Samples: samples, Data: data}, nil
}

// At returns the value of channel ch at sample s.
func (b SampleBlock) At(ch, s int) float32 {
	return b.Data[ch*b.Samples+s]
}

// Channel returns the samples of one channel. The returned slice aliases the
// block and must not be modified.
func (b SampleBlock) Channel(ch int) []float32 {
	return b.Data[ch*b.Samples : (ch+1)*b.Samples]
}

// EncodeBlock renders a data block as a KindDataBuffer tag. Samples are written
// sample-major, followed by the matrix dimensions (channels, samples, 2).
func EncodeBlock(b SampleBlock) Tag {
	n := b.Channels * b.Samples
	data := make([]byte, 4*n+12)

	i := 0
	for s := 0; s < b.Samples; s++ {
		for ch := 0; ch < b.Channels; ch++ {
			binary.BigEndian.PutUint32(data[4*i:], math.Float32bits(b.At(ch, s)))
			i++
		}
	}

	binary.BigEndian.PutUint32(data[4*n:], uint32(b.Channels))
	binary.BigEndian.PutUint32(data[4*n+4:], uint32(b.Samples))
	binary.BigEndian.PutUint32(data[4*n+8:], 2)

	return Tag{Kind: KindDataBuffer, Type: TypeMatrixFloat, Data: data}
}

// DecodeBlock classifies t and, for data buffers, decodes the sample matrix.
func DecodeBlock(t Tag) (SampleBlock, error) {
	switch t.Kind {
	case KindBlockEnd:
		return SampleBlock{Kind: BlockKindEnd}, nil
	case KindDataBuffer:
	default:
		return SampleBlock{Kind: BlockKindOther}, nil
	}

	if t.Type != TypeMatrixFloat {
		return SampleBlock{}, fmt.Errorf("%w: data buffer of type %#x", ErrMalformed, t.Type)
	}

	size := len(t.Data)
	if size < 12 {
		return SampleBlock{}, fmt.Errorf("%w: data buffer of %d bytes", ErrMalformed, size)
	}

	channels := int(int32(binary.BigEndian.Uint32(t.Data[size-12:])))
	samples := int(int32(binary.BigEndian.Uint32(t.Data[size-8:])))
	ndim := int32(binary.BigEndian.Uint32(t.Data[size-4:]))
	if ndim != 2 || channels <= 0 || samples < 0 || 4*channels*samples != size-12 {
		return SampleBlock{}, fmt.Errorf("%w: data buffer dims %dx%d (ndim %d) for %d bytes", ErrMalformed, channels, samples, ndim, size-12)
	}

	data := make([]float32, channels*samples)
	i := 0
	for s := 0; s < samples; s++ {
		for ch := 0; ch < channels; ch++ {
			data[ch*samples+s] = math.Float32frombits(binary.BigEndian.Uint32(t.Data[4*i:]))
			i++
		}
	}

	return SampleBlock{Kind: BlockKindData, Channels: channels, Samples: samples, Data: data}, nil
}
