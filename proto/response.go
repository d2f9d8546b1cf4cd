package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// ErrShortFrame reports that a buffer does not yet hold a complete frame and
// more bytes must be read before decoding can continue.
var ErrShortFrame = errors.New("incomplete frame")

// SyncError reports a frame that does not open with the sync bytes.
type SyncError struct {
	B0, B1 byte
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("bad sync bytes 0x%02X 0x%02X", e.B0, e.B1)
}

// ChecksumError reports a frame whose CRC-32 does not match its contents.
type ChecksumError struct {
	Want, Got uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch: computed 0x%08X, frame carries 0x%08X", e.Want, e.Got)
}

// LengthError reports a frame length field outside the protocol's bounds.
type LengthError struct {
	Length uint32
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("implausible frame length %d", e.Length)
}

// StatusError reports a nonzero device status word.
type StatusError struct {
	Service byte
	Opcode  byte
	Status  uint32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("device returned status 0x%X for opcode 0x%02X", e.Status, e.Opcode)
}

// Response is one decoded response frame.
type Response struct {
	Mode    Mode
	Service byte
	Opcode  byte

	// Word is the raw trailing header word: the result itself on a raw
	// endpoint, the payload length on a host endpoint.
	Word uint32

	// Payload is the host-endpoint payload, nil on raw endpoints and on
	// no-payload completions.
	Payload []byte
}

// Status returns the first result word of the response: the device status
// code for most commands, zero for a no-payload completion. Version queries
// deliver the version word here.
func (r *Response) Status() uint32 {
	if r.Mode == Raw {
		return r.Word
	}
	if len(r.Payload) >= 4 {
		return binary.LittleEndian.Uint32(r.Payload[:4])
	}
	return 0
}

// Data returns the host payload bytes after the status word.
func (r *Response) Data() []byte {
	if len(r.Payload) > 4 {
		return r.Payload[4:]
	}
	return nil
}

// NoPayload reports whether the response is the bare completion shape the
// device sends when an operation finishes without result data.
func (r *Response) NoPayload() bool {
	return r.Mode == Host && r.Word == 0
}

// Err returns a StatusError when the response carries a nonzero status.
func (r *Response) Err() error {
	if st := r.Status(); st != 0 {
		return &StatusError{Service: r.Service, Opcode: r.Opcode, Status: st}
	}
	return nil
}

// DecodeResponse parses one response frame from the front of b, returning
// the response and the number of bytes consumed. ErrShortFrame means more
// bytes are needed. Host payloads are checksum-verified before they are
// handed to the caller.
func DecodeResponse(b []byte, mode Mode) (*Response, int, error) {
	if len(b) < RespHeaderSize {
		return nil, 0, ErrShortFrame
	}
	if b[0] != Sync1 || b[1] != Sync2 {
		return nil, 0, &SyncError{B0: b[0], B1: b[1]}
	}

	resp := &Response{
		Mode:    mode,
		Service: b[2],
		Opcode:  b[3],
		Word:    binary.LittleEndian.Uint32(b[4:8]),
	}
	if mode == Raw || resp.Word == 0 {
		return resp, RespHeaderSize, nil
	}

	if resp.Word > maxRespPayload {
		return nil, 0, &LengthError{Length: resp.Word}
	}
	total := RespHeaderSize + int(resp.Word) + 4
	if len(b) < total {
		return nil, 0, ErrShortFrame
	}

	payload := b[RespHeaderSize : RespHeaderSize+int(resp.Word)]
	sum := binary.LittleEndian.Uint32(b[RespHeaderSize+int(resp.Word):])
	if want := crc32.ChecksumIEEE(payload); want != sum {
		return nil, 0, &ChecksumError{Want: want, Got: sum}
	}

	resp.Payload = append([]byte(nil), payload...)
	return resp, total, nil
}

// EncodeResponse serializes a response carrying a status word and optional
// extra data. On a raw endpoint the status occupies the header word and data
// must be empty; on a host endpoint the status and data form the payload,
// followed by its CRC-32.
func EncodeResponse(mode Mode, service, opcode byte, status uint32, data []byte) []byte {
	if mode == Raw {
		hdr := make([]byte, RespHeaderSize)
		hdr[0], hdr[1], hdr[2], hdr[3] = Sync1, Sync2, service, opcode
		binary.LittleEndian.PutUint32(hdr[4:], status)
		return hdr
	}

	payload := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(payload, status)
	copy(payload[4:], data)

	frame := make([]byte, RespHeaderSize+len(payload)+4)
	frame[0], frame[1], frame[2], frame[3] = Sync1, Sync2, service, opcode
	binary.LittleEndian.PutUint32(frame[4:], uint32(len(payload)))
	copy(frame[RespHeaderSize:], payload)
	binary.LittleEndian.PutUint32(frame[RespHeaderSize+len(payload):], crc32.ChecksumIEEE(payload))
	return frame
}

// EncodeCompletion serializes the bare no-payload completion the device
// sends for operations that finish without result data.
func EncodeCompletion(mode Mode, service, opcode byte) []byte {
	hdr := make([]byte, RespHeaderSize)
	hdr[0], hdr[1], hdr[2], hdr[3] = Sync1, Sync2, service, opcode
	return hdr
}
