package fiff

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cyberinferno/rtstream/utils"
)

const (
	chInfoSize = 40
	chNameSize = 20
)

// ChannelDescriptor describes one acquisition channel.
type ChannelDescriptor struct {
	Name          string  `json:"name"`
	Kind          int32   `json:"kind"`
	Unit          int32   `json:"unit"`
	LogicalNumber int32   `json:"logical_number"`
	Range         float32 `json:"range"`
	Calibration   float32 `json:"calibration"`
}

// ChannelInfo is the measurement metadata sent by the server in reply to a
// MeasInfo request. Once published it is shared read-only.
type ChannelInfo struct {
	SessionID       int32               `json:"session_id"`
	NumChannels     int                 `json:"num_channels"`
	SampleFrequency float32             `json:"sample_frequency"`
	Channels        []ChannelDescriptor `json:"channels"`
}

// EncodeInfo renders info as the tag sequence of a measurement-info block.
func EncodeInfo(info ChannelInfo) []Tag {
	tags := make([]Tag, 0, len(info.Channels)+4)
	tags = append(tags,
		IntTag(KindBlockStart, KindBlockMeasInfo),
		IntTag(KindNChan, int32(info.NumChannels)),
		FloatTag(KindSFreq, info.SampleFrequency),
	)

	for _, ch := range info.Channels {
		tags = append(tags, Tag{Kind: KindChInfo, Type: TypeChInfo, Data: encodeChannel(ch)})
	}

	return append(tags, IntTag(KindBlockEnd, KindBlockMeasInfo))
}

// DecodeInfo consumes tags from next until a complete measurement-info block has
// been read. Tags preceding the block start are skipped.
func DecodeInfo(next func() (Tag, error)) (*ChannelInfo, error) {
	for {
		t, err := next()
		if err != nil {
			return nil, err
		}
		if IsBlockMarker(t, KindBlockStart, KindBlockMeasInfo) {
			break
		}
	}

	info := &ChannelInfo{NumChannels: -1}
	for {
		t, err := next()
		if err != nil {
			return nil, err
		}

		switch t.Kind {
		case KindNChan:
			n, err := t.Int()
			if err != nil {
				return nil, err
			}
			info.NumChannels = int(n)
		case KindSFreq:
			f, err := t.Float()
			if err != nil {
				return nil, err
			}
			info.SampleFrequency = f
		case KindChInfo:
			ch, err := decodeChannel(t.Data)
			if err != nil {
				return nil, err
			}
			info.Channels = append(info.Channels, ch)
		case KindBlockEnd:
			if !IsBlockMarker(t, KindBlockEnd, KindBlockMeasInfo) {
				return nil, fmt.Errorf("%w: unexpected block end inside measurement info", ErrMalformed)
			}
			if info.NumChannels <= 0 {
				return nil, fmt.Errorf("%w: measurement info without channel count", ErrMalformed)
			}
			if len(info.Channels) != info.NumChannels {
				return nil, fmt.Errorf("%w: %d channel descriptors for %d channels", ErrMalformed, len(info.Channels), info.NumChannels)
			}
			return info, nil
		}
	}
}

// IsBlockMarker reports whether t is a block start or end (kind) for the given
// block type, e.g. IsBlockMarker(t, KindBlockEnd, KindBlockRawData).
func IsBlockMarker(t Tag, kind, block int32) bool {
	if t.Kind != kind {
		return false
	}
	v, err := t.Int()
	return err == nil && v == block
}

func encodeChannel(ch ChannelDescriptor) []byte {
	b := make([]byte, chInfoSize-chNameSize)
	binary.BigEndian.PutUint32(b[0:4], uint32(ch.LogicalNumber))
	binary.BigEndian.PutUint32(b[4:8], uint32(ch.Kind))
	binary.BigEndian.PutUint32(b[8:12], uint32(ch.Unit))
	binary.BigEndian.PutUint32(b[12:16], math.Float32bits(ch.Range))
	binary.BigEndian.PutUint32(b[16:20], math.Float32bits(ch.Calibration))
	return utils.Concat(b, utils.FixedString(ch.Name, chNameSize))
}

func decodeChannel(b []byte) (ChannelDescriptor, error) {
	if len(b) != chInfoSize {
		return ChannelDescriptor{}, fmt.Errorf("%w: channel info has %d bytes, want %d", ErrMalformed, len(b), chInfoSize)
	}

	return ChannelDescriptor{
		LogicalNumber: int32(binary.BigEndian.Uint32(b[0:4])),
		Kind:          int32(binary.BigEndian.Uint32(b[4:8])),
		Unit:          int32(binary.BigEndian.Uint32(b[8:12])),
		Range:         math.Float32frombits(binary.BigEndian.Uint32(b[12:16])),
		Calibration:   math.Float32frombits(binary.BigEndian.Uint32(b[16:20])),
		Name:          utils.CString(b[20:]),
	}, nil
}
