// Package protocol implements the minimum framing and field codecs of the
// Minecraft Java client-server handshake: base-128 varints, length-prefixed
// UTF-8 strings, fixed-width big-endian integers, and length-delimited
// packet frames. All length and count fields are treated as adversarial and
// checked against hard ceilings before any buffer is sized by them.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Packet ids for the three connection states this server speaks. Several
// share a numeric value; they are distinct ids in distinct states.
const (
	IDHandshake       = 0x00
	IDStatusRequest   = 0x00
	IDStatusResponse  = 0x00
	IDPing            = 0x01
	IDPong            = 0x01
	IDLoginStart      = 0x00
	IDLoginDisconnect = 0x00
)

// Handshake next-state values.
const (
	NextStateStatus = 1
	NextStateLogin  = 2
)

const (
	// MaxFrameLen is the hard ceiling on a declared frame length. This
	// server never exchanges anything bigger than a status response.
	MaxFrameLen = 2048

	// MaxIdentifierChars is the protocol's ceiling on the login identity
	// string, which doubles as the ceiling on a typed link code.
	MaxIdentifierChars = 16

	// MaxServerAddressChars is the ceiling on the handshake's target host.
	MaxServerAddressChars = 255

	maxVarIntBytes = 5
)

var (
	ErrOversizedFrame = errors.New("protocol: declared frame length exceeds ceiling")
	ErrEmptyFrame     = errors.New("protocol: declared frame length is not positive")
	ErrVarIntTooLong  = errors.New("protocol: varint exceeds five bytes")
	ErrStringTooLong  = errors.New("protocol: string exceeds declared ceiling")
	ErrShortPayload   = errors.New("protocol: payload truncated")
	ErrInvalidField   = errors.New("protocol: invalid field value")
)

// ReadVarInt decodes a base-128 varint: seven bits per byte, least
// significant group first, continuation bit set on all but the final byte.
func ReadVarInt(r io.ByteReader) (int32, error) {
	var value uint32
	for i := 0; ; i++ {
		if i == maxVarIntBytes {
			return 0, ErrVarIntTooLong
		}
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value |= uint32(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			break
		}
	}
	return int32(value), nil
}

// AppendVarInt appends the varint encoding of v to dst.
func AppendVarInt(dst []byte, v int32) []byte {
	u := uint32(v)
	for u >= 0x80 {
		dst = append(dst, byte(u)|0x80)
		u >>= 7
	}
	return append(dst, byte(u))
}

// VarIntLen returns the encoded size of v in bytes.
func VarIntLen(v int32) int {
	u := uint32(v)
	n := 1
	for u >= 0x80 {
		u >>= 7
		n++
	}
	return n
}

// ReadFrame reads one length-delimited frame and returns its packet id and
// payload. The declared length covers id plus payload and is rejected before
// allocation if it is non-positive or above MaxFrameLen.
func ReadFrame(r interface {
	io.Reader
	io.ByteReader
}) (id int32, payload []byte, err error) {
	length, err := ReadVarInt(r)
	if err != nil {
		return 0, nil, err
	}
	if length <= 0 {
		return 0, nil, ErrEmptyFrame
	}
	if length > MaxFrameLen {
		return 0, nil, ErrOversizedFrame
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}

	rd := NewReader(body)
	id, err = rd.VarInt()
	if err != nil {
		return 0, nil, fmt.Errorf("frame packet id: %w", err)
	}
	return id, rd.Rest(), nil
}

// WriteFrame writes one frame: varint total length, varint packet id, payload.
func WriteFrame(w io.Writer, id int32, payload []byte) error {
	total := VarIntLen(id) + len(payload)
	if total > MaxFrameLen {
		return ErrOversizedFrame
	}

	buf := make([]byte, 0, VarIntLen(int32(total))+total)
	buf = AppendVarInt(buf, int32(total))
	buf = AppendVarInt(buf, id)
	buf = append(buf, payload...)

	_, err := w.Write(buf)
	return err
}

// Reader decodes protocol fields out of a frame payload. Decoding is purely
// local and never reads past the slice it was given.
type Reader struct {
	buf []byte
	off int
}

func NewReader(payload []byte) *Reader {
	return &Reader{buf: payload}
}

func (r *Reader) ReadByte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, ErrShortPayload
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *Reader) VarInt() (int32, error) {
	return ReadVarInt(r)
}

// String reads a varint byte length followed by UTF-8 bytes, enforcing the
// declared character ceiling both on the byte length (before slicing) and on
// the decoded rune count.
func (r *Reader) String(maxChars int) (string, error) {
	n, err := r.VarInt()
	if err != nil {
		return "", err
	}
	if n < 0 || int(n) > maxChars*utf8.UTFMax {
		return "", ErrStringTooLong
	}
	if r.off+int(n) > len(r.buf) {
		return "", ErrShortPayload
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	if utf8.RuneCountInString(s) > maxChars {
		return "", ErrStringTooLong
	}
	if !utf8.ValidString(s) {
		return "", ErrStringTooLong
	}
	return s, nil
}

// Uint16 reads a big-endian unsigned short.
func (r *Reader) Uint16() (uint16, error) {
	if r.off+2 > len(r.buf) {
		return 0, ErrShortPayload
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

// Int64 reads a big-endian signed long.
func (r *Reader) Int64() (int64, error) {
	if r.off+8 > len(r.buf) {
		return 0, ErrShortPayload
	}
	v := int64(binary.BigEndian.Uint64(r.buf[r.off:]))
	r.off += 8
	return v, nil
}

// Rest returns the undecoded remainder of the payload.
func (r *Reader) Rest() []byte {
	return r.buf[r.off:]
}

// AppendString appends a varint byte length and UTF-8 bytes to dst.
func AppendString(dst []byte, s string) []byte {
	dst = AppendVarInt(dst, int32(len(s)))
	return append(dst, s...)
}

// AppendInt64 appends a big-endian signed long to dst.
func AppendInt64(dst []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(v))
}
