// Package fiff implements the tag framing spoken by the real-time acquisition
// server. Every frame is a 16-byte big-endian header (kind, type, size, next)
// followed by size payload bytes.
package fiff

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/cyberinferno/rtstream/utils"
)

// Tag kinds.
const (
	KindBlockMeasInfo int32 = 101
	KindBlockRawData  int32 = 102
	KindBlockStart    int32 = 104
	KindBlockEnd      int32 = 105
	KindNChan         int32 = 200
	KindSFreq         int32 = 201
	KindChInfo        int32 = 203
	KindDataBuffer    int32 = 300
	KindRTCommand     int32 = 3700
	KindRTClientID    int32 = 3701
)

// Tag payload types.
const (
	TypeInt         int32 = 3
	TypeFloat       int32 = 4
	TypeString      int32 = 10
	TypeChInfo      int32 = 30
	TypeMatrixFloat int32 = 0x40000004
)

const (
	// HeaderSize is the encoded size of a tag header.
	HeaderSize = 16
	// MaxPayloadSize bounds a single tag payload.
	MaxPayloadSize = 16 * 1024 * 1024
)

// ErrMalformed is returned for any frame that cannot be decoded.
var ErrMalformed = errors.New("fiff: malformed tag")

// Command is a request carried in the payload of a KindRTCommand tag.
type Command int32

const (
	CmdGetClientID      Command = 1
	CmdSetClientAlias   Command = 2
	CmdMeasInfo         Command = 3
	CmdStartMeasurement Command = 4
	CmdStopMeasurement  Command = 5
)

// String returns a human-readable command name.
func (c Command) String() string {
	switch c {
	case CmdGetClientID:
		return "GetClientID"
	case CmdSetClientAlias:
		return "SetClientAlias"
	case CmdMeasInfo:
		return "MeasInfo"
	case CmdStartMeasurement:
		return "StartMeasurement"
	case CmdStopMeasurement:
		return "StopMeasurement"
	default:
		return fmt.Sprintf("Command(%d)", int32(c))
	}
}

// Tag is one decoded frame.
type Tag struct {
	Kind int32
	Type int32
	Next int32
	Data []byte
}

// ReadTag reads one frame from r. A clean end of stream before the header is
// returned as io.EOF, a short frame as io.ErrUnexpectedEOF.
func ReadTag(r io.Reader) (Tag, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Tag{}, err
	}

	size := int32(binary.BigEndian.Uint32(hdr[8:12]))
	if size < 0 || size > MaxPayloadSize {
		return Tag{}, fmt.Errorf("%w: payload size %d", ErrMalformed, size)
	}

	t := Tag{
		Kind: int32(binary.BigEndian.Uint32(hdr[0:4])),
		Type: int32(binary.BigEndian.Uint32(hdr[4:8])),
		Next: int32(binary.BigEndian.Uint32(hdr[12:16])),
		Data: make([]byte, size),
	}

	if _, err := io.ReadFull(r, t.Data); err != nil {
		if errors.Is(err, io.EOF) {
			return Tag{}, io.ErrUnexpectedEOF
		}
		return Tag{}, err
	}

	return t, nil
}

// WriteTag encodes t and writes it to w in a single call.
func WriteTag(w io.Writer, t Tag) error {
	if len(t.Data) > MaxPayloadSize {
		return fmt.Errorf("%w: payload size %d", ErrMalformed, len(t.Data))
	}

	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t.Kind))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(t.Type))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(t.Data)))
	binary.BigEndian.PutUint32(hdr[12:16], uint32(t.Next))

	_, err := w.Write(utils.Concat(hdr[:], t.Data))
	return err
}

// IntTag builds a tag holding one or more int32 values.
func IntTag(kind int32, values ...int32) Tag {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint32(data[4*i:], uint32(v))
	}

	return Tag{Kind: kind, Type: TypeInt, Data: data}
}

// FloatTag builds a tag holding a single float32.
func FloatTag(kind int32, value float32) Tag {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, math.Float32bits(value))
	return Tag{Kind: kind, Type: TypeFloat, Data: data}
}

// Int returns the first int32 in the payload.
func (t Tag) Int() (int32, error) {
	if len(t.Data) < 4 {
		return 0, fmt.Errorf("%w: kind %d has %d bytes, want int", ErrMalformed, t.Kind, len(t.Data))
	}

	return int32(binary.BigEndian.Uint32(t.Data[:4])), nil
}

// Float returns the first float32 in the payload.
func (t Tag) Float() (float32, error) {
	if len(t.Data) < 4 {
		return 0, fmt.Errorf("%w: kind %d has %d bytes, want float", ErrMalformed, t.Kind, len(t.Data))
	}

	return math.Float32frombits(binary.BigEndian.Uint32(t.Data[:4])), nil
}

// CommandTag builds a request frame. Requests made before a session id is
// assigned carry -1.
func CommandTag(cmd Command, sessionID int32, arg []byte) Tag {
	t := IntTag(KindRTCommand, int32(cmd), sessionID)
	t.Data = utils.Concat(t.Data, arg)
	return t
}

// ParseCommand splits a KindRTCommand tag into its command, session id and
// argument bytes.
func ParseCommand(t Tag) (Command, int32, []byte, error) {
	if t.Kind != KindRTCommand || len(t.Data) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: not a command frame (kind %d, %d bytes)", ErrMalformed, t.Kind, len(t.Data))
	}

	cmd := Command(binary.BigEndian.Uint32(t.Data[0:4]))
	session := int32(binary.BigEndian.Uint32(t.Data[4:8]))
	return cmd, session, t.Data[8:], nil
}
