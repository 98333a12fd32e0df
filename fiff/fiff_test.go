package fiff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadTag(t *testing.T) {
	t.Run("reads what WriteTag wrote", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteTag(&buf, IntTag(KindNChan, 306)))
		require.NoError(t, WriteTag(&buf, FloatTag(KindSFreq, 1000)))

		tag, err := ReadTag(&buf)
		require.NoError(t, err)
		assert.Equal(t, KindNChan, tag.Kind)
		n, err := tag.Int()
		require.NoError(t, err)
		assert.Equal(t, int32(306), n)

		tag, err = ReadTag(&buf)
		require.NoError(t, err)
		f, err := tag.Float()
		require.NoError(t, err)
		assert.Equal(t, float32(1000), f)

		_, err = ReadTag(&buf)
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("header is big-endian", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteTag(&buf, IntTag(KindRTClientID, 7)))
		assert.Equal(t, []byte{0, 0, 0x0e, 0x75}, buf.Bytes()[0:4])
		assert.Equal(t, []byte{0, 0, 0, 4}, buf.Bytes()[8:12])
	})

	t.Run("truncated payload is unexpected EOF", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteTag(&buf, IntTag(KindNChan, 1, 2, 3)))
		short := buf.Bytes()[:buf.Len()-2]

		_, err := ReadTag(bytes.NewReader(short))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("oversized payload is malformed", func(t *testing.T) {
		hdr := make([]byte, HeaderSize)
		binary.BigEndian.PutUint32(hdr[8:12], MaxPayloadSize+1)

		_, err := ReadTag(bytes.NewReader(hdr))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("negative payload is malformed", func(t *testing.T) {
		hdr := make([]byte, HeaderSize)
		binary.BigEndian.PutUint32(hdr[8:12], 0xffffffff)

		_, err := ReadTag(bytes.NewReader(hdr))
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestCommandTag(t *testing.T) {
	t.Run("round trip with argument", func(t *testing.T) {
		tag := CommandTag(CmdSetClientAlias, 12, []byte("meg-array"))

		cmd, session, arg, err := ParseCommand(tag)
		require.NoError(t, err)
		assert.Equal(t, CmdSetClientAlias, cmd)
		assert.Equal(t, int32(12), session)
		assert.Equal(t, "meg-array", string(arg))
	})

	t.Run("rejects non-command tags", func(t *testing.T) {
		_, _, _, err := ParseCommand(IntTag(KindNChan, 1, 2))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("rejects short payload", func(t *testing.T) {
		_, _, _, err := ParseCommand(IntTag(KindRTCommand, 1))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("names", func(t *testing.T) {
		assert.Equal(t, "MeasInfo", CmdMeasInfo.String())
		assert.Equal(t, "Command(42)", Command(42).String())
	})
}

func testInfo() ChannelInfo {
	return ChannelInfo{
		NumChannels:     2,
		SampleFrequency: 600,
		Channels: []ChannelDescriptor{
			{Name: "MEG 0113", Kind: 1, Unit: 201, LogicalNumber: 113, Range: 1, Calibration: 3.1e-13},
			{Name: "STI 014", Kind: 3, Unit: 107, LogicalNumber: 14, Range: 1, Calibration: 1},
		},
	}
}

func tagFeed(tags []Tag) func() (Tag, error) {
	i := 0
	return func() (Tag, error) {
		if i >= len(tags) {
			return Tag{}, io.EOF
		}
		i++
		return tags[i-1], nil
	}
}

func TestDecodeInfo(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		want := testInfo()

		got, err := DecodeInfo(tagFeed(EncodeInfo(want)))
		require.NoError(t, err)
		assert.Equal(t, want, *got)
	})

	t.Run("skips frames before the block start", func(t *testing.T) {
		block, err := NewSampleBlock(1, 1, []float32{1})
		require.NoError(t, err)
		tags := append([]Tag{EncodeBlock(block), IntTag(KindBlockStart, KindBlockRawData)}, EncodeInfo(testInfo())...)

		got, err := DecodeInfo(tagFeed(tags))
		require.NoError(t, err)
		assert.Equal(t, 2, got.NumChannels)
	})

	t.Run("channel count mismatch is malformed", func(t *testing.T) {
		tags := EncodeInfo(testInfo())
		tags = append(tags[:3], tags[4:]...)

		_, err := DecodeInfo(tagFeed(tags))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("bad channel record is malformed", func(t *testing.T) {
		tags := EncodeInfo(testInfo())
		tags[3].Data = tags[3].Data[:10]

		_, err := DecodeInfo(tagFeed(tags))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("stream ending mid block surfaces the read error", func(t *testing.T) {
		tags := EncodeInfo(testInfo())

		_, err := DecodeInfo(tagFeed(tags[:3]))
		assert.True(t, errors.Is(err, io.EOF))
	})
}

func TestSampleBlock(t *testing.T) {
	// channel 0: 1 2 3, channel 1: 10 20 30
	data := []float32{1, 2, 3, 10, 20, 30}

	t.Run("accessors use channel-major layout", func(t *testing.T) {
		b, err := NewSampleBlock(2, 3, data)
		require.NoError(t, err)
		assert.Equal(t, float32(20), b.At(1, 1))
		assert.Equal(t, []float32{1, 2, 3}, b.Channel(0))
		assert.Equal(t, BlockKindData, b.Kind)
	})

	t.Run("size mismatch is rejected", func(t *testing.T) {
		_, err := NewSampleBlock(2, 2, data)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("encode writes sample-major payload", func(t *testing.T) {
		b, err := NewSampleBlock(2, 3, data)
		require.NoError(t, err)

		tag := EncodeBlock(b)
		assert.Equal(t, KindDataBuffer, tag.Kind)
		assert.Len(t, tag.Data, 4*6+12)
		second := binary.BigEndian.Uint32(tag.Data[4:8])
		assert.Equal(t, uint32(0x41200000), second) // 10.0
	})

	t.Run("decode restores the block", func(t *testing.T) {
		b, err := NewSampleBlock(2, 3, data)
		require.NoError(t, err)

		got, err := DecodeBlock(EncodeBlock(b))
		require.NoError(t, err)
		assert.Equal(t, b, got)
	})
}

func TestDecodeBlock(t *testing.T) {
	t.Run("block end", func(t *testing.T) {
		b, err := DecodeBlock(IntTag(KindBlockEnd, KindBlockRawData))
		require.NoError(t, err)
		assert.Equal(t, BlockKindEnd, b.Kind)
		assert.Equal(t, "BlockEnd", b.Kind.String())
	})

	t.Run("unrelated tag is other", func(t *testing.T) {
		b, err := DecodeBlock(IntTag(KindBlockStart, KindBlockRawData))
		require.NoError(t, err)
		assert.Equal(t, BlockKindOther, b.Kind)
	})

	t.Run("wrong payload type", func(t *testing.T) {
		_, err := DecodeBlock(Tag{Kind: KindDataBuffer, Type: TypeFloat, Data: make([]byte, 16)})
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("dimensions disagree with payload", func(t *testing.T) {
		b, err := NewSampleBlock(2, 3, make([]float32, 6))
		require.NoError(t, err)
		tag := EncodeBlock(b)
		binary.BigEndian.PutUint32(tag.Data[len(tag.Data)-12:], 3)

		_, err = DecodeBlock(tag)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := DecodeBlock(Tag{Kind: KindDataBuffer, Type: TypeMatrixFloat, Data: []byte{1, 2}})
		assert.ErrorIs(t, err, ErrMalformed)
	})
}
