// Package wire encodes and decodes the external command-buffer layout:
// the header word (opcode + argument count) a client writes before
// EXECBUF, and the mutable state word the scheduler writes back as the
// command reaches a terminal state. Encoding follows a manual
// encoding/binary style rather than reflection-based (de)serialization.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrInsufficientData is returned when a buffer is too short to decode.
var ErrInsufficientData = errors.New("wire: insufficient data")

// HeaderSize is the fixed size in bytes of a command buffer header.
const HeaderSize = 8

// Header is the first 8 bytes of a command buffer: opcode in the low 16
// bits, argument-pair count in the next 16 bits, and a reserved high
// 32-bit word client code must zero.
type Header struct {
	Opcode   uint16
	ArgCount uint16
	Reserved uint32
}

// MarshalHeader encodes h into an 8-byte buffer.
func MarshalHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], h.Opcode)
	binary.LittleEndian.PutUint16(buf[2:4], h.ArgCount)
	binary.LittleEndian.PutUint32(buf[4:8], h.Reserved)
	return buf
}

// UnmarshalHeader decodes an 8-byte header from the front of data.
func UnmarshalHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, ErrInsufficientData
	}
	return Header{
		Opcode:   binary.LittleEndian.Uint16(data[0:2]),
		ArgCount: binary.LittleEndian.Uint16(data[2:4]),
		Reserved: binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

// StateWordSize is the size in bytes of the mutable state word the
// scheduler writes back into a command buffer as it completes.
const StateWordSize = 4

// MarshalStateWord encodes a terminal state ordinal into a 4-byte
// little-endian word, matching the layout NotifyHost's StatusWord buffer
// targets. It takes a raw uint32 rather than command.State to avoid an
// import cycle (command imports wire to encode StatusWord); callers pass
// uint32(state).
func MarshalStateWord(s uint32) []byte {
	buf := make([]byte, StateWordSize)
	binary.LittleEndian.PutUint32(buf, s)
	return buf
}

// UnmarshalStateWord decodes a 4-byte state word back into its raw
// ordinal. Callers convert the result to command.State themselves.
func UnmarshalStateWord(data []byte) (uint32, error) {
	if len(data) < StateWordSize {
		return 0, ErrInsufficientData
	}
	return binary.LittleEndian.Uint32(data), nil
}

// ArgPair is one (register offset, value) pair used by
// cudriver.Pairs-mode Configure payloads.
type ArgPair struct {
	Offset uint32
	Value  uint32
}

const argPairSize = 8

// MarshalPairs encodes a sequence of register (offset, value) pairs, the
// wire form of a cudriver.Pairs-mode argument payload.
func MarshalPairs(pairs []ArgPair) []byte {
	buf := make([]byte, len(pairs)*argPairSize)
	for i, p := range pairs {
		off := i * argPairSize
		binary.LittleEndian.PutUint32(buf[off:off+4], p.Offset)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], p.Value)
	}
	return buf
}

// UnmarshalPairs decodes a Pairs-mode payload back into (offset, value)
// pairs. len(data) must be a multiple of 8.
func UnmarshalPairs(data []byte) ([]ArgPair, error) {
	if len(data)%argPairSize != 0 {
		return nil, ErrInsufficientData
	}
	out := make([]ArgPair, len(data)/argPairSize)
	for i := range out {
		off := i * argPairSize
		out[i] = ArgPair{
			Offset: binary.LittleEndian.Uint32(data[off : off+4]),
			Value:  binary.LittleEndian.Uint32(data[off+4 : off+8]),
		}
	}
	return out, nil
}

// MarshalConsecutive encodes a contiguous register image (a
// cudriver.Consecutive-mode payload) as a flat little-endian word stream.
func MarshalConsecutive(words []uint32) []byte {
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], w)
	}
	return buf
}

// UnmarshalConsecutive decodes a flat little-endian word stream back into
// register values. len(data) must be a multiple of 4.
func UnmarshalConsecutive(data []byte) ([]uint32, error) {
	if len(data)%4 != 0 {
		return nil, ErrInsufficientData
	}
	out := make([]uint32, len(data)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(data[i*4 : i*4+4])
	}
	return out, nil
}
