package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// RecordSize is the encoded size of one message: tag, sender, timestamp and
// value, each a big-endian int32.
const RecordSize = 16

var (
	// ErrShortRecord is returned when a record is not exactly RecordSize bytes.
	ErrShortRecord = errors.New("wire: record must be 16 bytes")
	// ErrUnknownTag is returned when a decoded tag is not a known Tag.
	ErrUnknownTag = errors.New("wire: unknown tag")
	// ErrOutOfRange is returned when a field does not fit in an int32.
	ErrOutOfRange = errors.New("wire: field out of int32 range")
)

// Encode serializes m into a fixed-width record.
func Encode(m Message) ([]byte, error) {
	if !m.Tag.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, int32(m.Tag))
	}
	fields := [4]int64{int64(m.Tag), int64(m.Sender), m.Timestamp, m.Value}
	buf := make([]byte, RecordSize)
	for i, f := range fields {
		if f < math.MinInt32 || f > math.MaxInt32 {
			return nil, fmt.Errorf("%w: field %d = %d", ErrOutOfRange, i, f)
		}
		binary.BigEndian.PutUint32(buf[i*4:], uint32(int32(f)))
	}
	return buf, nil
}

// Decode parses a fixed-width record.
func Decode(buf []byte) (Message, error) {
	if len(buf) != RecordSize {
		return Message{}, fmt.Errorf("%w: got %d", ErrShortRecord, len(buf))
	}
	field := func(i int) int32 {
		return int32(binary.BigEndian.Uint32(buf[i*4:]))
	}
	m := Message{
		Tag:       Tag(field(0)),
		Sender:    int(field(1)),
		Timestamp: int64(field(2)),
		Value:     int64(field(3)),
	}
	if !m.Tag.Valid() {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownTag, int32(m.Tag))
	}
	return m, nil
}
