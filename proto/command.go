package proto

import (
	"encoding/binary"
	"hash/crc32"
)

// Command is one framed request. The zero value of every field is valid on
// the wire; builders below fill in the fields each opcode expects.
type Command struct {
	Service byte
	Opcode  byte
	HostOp  byte // host wrapper opcode; zero means HostOpGeneric

	// Size carries the unpadded payload byte count for blob-load commands.
	Size uint32

	// Words is overloaded by opcode: padded payload length in words for
	// plain commands, the total image byte count for an upload setup, and
	// the storage subcommand for OpStorage.
	Words uint32

	Param uint32 // storage: first parameter (LBA or partition id)
	Addr  uint32 // load address; storage: second parameter (block count)
	Type  uint32 // image type identifier
	Last  uint32 // nonzero on the final frame of a multi-part transfer

	Payload []byte
}

// NewLoad builds a one-shot blob load (keys, SPK, M52 bootloader). The whole
// blob travels as the frame payload.
func NewLoad(opcode byte, blob []byte) *Command {
	return &Command{
		Service: ServiceBoot,
		Opcode:  opcode,
		Size:    uint32(len(blob)),
		Payload: blob,
	}
}

// NewVersionQuery builds a firmware version query.
func NewVersionQuery() *Command {
	return &Command{Service: ServiceBoot, Opcode: OpVersion, HostOp: HostOpVersion}
}

// NewUploadSetup announces a streamed upload of size bytes to the given load
// address. The data itself follows unframed; the device acknowledges once
// after consuming exactly size bytes.
func NewUploadSetup(size int64, addr, imgType uint32) *Command {
	return &Command{
		Service: ServiceBoot,
		Opcode:  OpUpload,
		Words:   uint32(size),
		Addr:    addr,
		Type:    imgType,
	}
}

// NewRunImage builds a jump to the image previously uploaded at addr.
func NewRunImage(addr uint32) *Command {
	return &Command{Service: ServiceBoot, Opcode: OpRunImage, Addr: addr}
}

// NewExec builds an execute command for the staged image.
func NewExec() *Command {
	return &Command{Service: ServiceBoot, Opcode: OpExec, HostOp: HostOpExec}
}

// NewStorageOp builds a storage operation. The parameter meaning depends on
// the subcommand: switch takes the hardware partition id, while read, write
// and erase take a start LBA and block count.
func NewStorageOp(op StorageOp, param1, param2 uint32) *Command {
	return &Command{
		Service: ServiceBoot,
		Opcode:  OpStorage,
		HostOp:  HostOpStorage,
		Words:   uint32(op),
		Param:   param1,
		Addr:    param2,
	}
}

func (c *Command) hostOpcode() byte {
	if c.HostOp != 0 {
		return c.HostOp
	}
	return HostOpGeneric
}

// Encode serializes the command for the given endpoint mode. The payload is
// padded to a word multiple with 0xFF and the final header word receives the
// CRC-32 of the header and padded payload.
func (c *Command) Encode(mode Mode) []byte {
	padded := padWord(c.Payload)

	frame := make([]byte, CmdHeaderSize+len(padded))
	frame[0] = Sync1
	frame[1] = Sync2
	frame[2] = c.Service
	frame[3] = c.Opcode
	binary.LittleEndian.PutUint32(frame[4:], c.Size)
	binary.LittleEndian.PutUint32(frame[8:], c.Words)
	binary.LittleEndian.PutUint32(frame[12:], c.Param)
	binary.LittleEndian.PutUint32(frame[16:], c.Addr)
	binary.LittleEndian.PutUint32(frame[20:], c.Type)
	binary.LittleEndian.PutUint32(frame[24:], c.Last)
	copy(frame[CmdHeaderSize:], padded)

	sum := crc32.ChecksumIEEE(frame[:CmdHeaderSize-4])
	sum = crc32.Update(sum, crc32.IEEETable, padded)
	binary.LittleEndian.PutUint32(frame[CmdHeaderSize-4:], sum)

	if mode == Host {
		wrapped := make([]byte, HostHeaderSize+len(frame))
		wrapped[0] = Sync1
		wrapped[1] = Sync2
		wrapped[2] = ServiceHostAPI & 0x3F
		wrapped[3] = c.hostOpcode()
		binary.LittleEndian.PutUint32(wrapped[4:], uint32(len(frame)))
		copy(wrapped[HostHeaderSize:], frame)
		return wrapped
	}
	return frame
}

// DecodeCommand parses one command frame from the front of b, returning the
// command and the number of bytes consumed. It returns ErrShortFrame when b
// does not yet hold a complete frame. The checksum is verified before the
// command is returned.
func DecodeCommand(b []byte, mode Mode) (*Command, int, error) {
	offset := 0
	hostOp := byte(0)
	innerLen := -1

	if mode == Host {
		if len(b) < HostHeaderSize {
			return nil, 0, ErrShortFrame
		}
		if b[0] != Sync1 || b[1] != Sync2 {
			return nil, 0, &SyncError{B0: b[0], B1: b[1]}
		}
		hostOp = b[3]
		innerLen = int(binary.LittleEndian.Uint32(b[4:8]))
		if innerLen < CmdHeaderSize {
			return nil, 0, &LengthError{Length: uint32(innerLen)}
		}
		offset = HostHeaderSize
		if len(b) < offset+innerLen {
			return nil, 0, ErrShortFrame
		}
	}

	hdr := b[offset:]
	if len(hdr) < CmdHeaderSize {
		return nil, 0, ErrShortFrame
	}
	if hdr[0] != Sync1 || hdr[1] != Sync2 {
		return nil, 0, &SyncError{B0: hdr[0], B1: hdr[1]}
	}

	cmd := &Command{
		Service: hdr[2],
		Opcode:  hdr[3],
		HostOp:  hostOp,
		Size:    binary.LittleEndian.Uint32(hdr[4:]),
		Words:   binary.LittleEndian.Uint32(hdr[8:]),
		Param:   binary.LittleEndian.Uint32(hdr[12:]),
		Addr:    binary.LittleEndian.Uint32(hdr[16:]),
		Type:    binary.LittleEndian.Uint32(hdr[20:]),
		Last:    binary.LittleEndian.Uint32(hdr[24:]),
	}
	sum := binary.LittleEndian.Uint32(hdr[28:])

	var payloadLen int
	if innerLen >= 0 {
		payloadLen = innerLen - CmdHeaderSize
	} else {
		payloadLen = rawPayloadLen(cmd)
	}
	if len(hdr) < CmdHeaderSize+payloadLen {
		return nil, 0, ErrShortFrame
	}
	padded := hdr[CmdHeaderSize : CmdHeaderSize+payloadLen]

	want := crc32.ChecksumIEEE(hdr[:CmdHeaderSize-4])
	want = crc32.Update(want, crc32.IEEETable, padded)
	if want != sum {
		return nil, 0, &ChecksumError{Want: want, Got: sum}
	}

	if payloadLen > 0 {
		n := payloadLen
		// Blob loads record the true length in Size; strip the pad.
		if cmd.Size > 0 && int(cmd.Size) <= payloadLen {
			n = int(cmd.Size)
		}
		cmd.Payload = append([]byte(nil), padded[:n]...)
	}

	return cmd, offset + CmdHeaderSize + payloadLen, nil
}

// rawPayloadLen derives the payload length of a raw-endpoint command, which
// carries no outer length field. Upload setups and storage operations have
// header-only frames; blob loads carry Size bytes padded to a word.
func rawPayloadLen(cmd *Command) int {
	switch cmd.Opcode {
	case OpUpload, OpStorage:
		return 0
	case OpKeys, OpSPK, OpM52BL:
		return paddedLen(int(cmd.Size))
	default:
		return int(cmd.Words) * 4
	}
}

func paddedLen(n int) int {
	return (n + 3) &^ 3
}

func padWord(b []byte) []byte {
	if len(b)%4 == 0 {
		return b
	}
	p := make([]byte, paddedLen(len(b)))
	copy(p, b)
	for i := len(b); i < len(p); i++ {
		p[i] = 0xFF
	}
	return p
}
