// Package proto implements the framed command/response encoding spoken by
// Synaptics VideoSmart boot ROMs and System Manager firmware over USB CDC.
//
// Every frame opens with the two sync bytes 0x5B 0x5A. Commands are a 32-byte
// header followed by an optional payload padded to a word multiple; the last
// header word is a CRC-32 over the header and padded payload. On the host
// endpoint each command is additionally prefixed with an 8-byte host-API
// header carrying the inner frame length.
//
// Responses are an 8-byte header. On the raw endpoint the trailing header
// word is the result directly. On the host endpoint it is a payload length:
// a payload of that many bytes follows, protected by a trailing CRC-32.
// A zero length means the command completed with no payload, which the
// device uses as a bare success acknowledgement.
package proto

// Frame sync bytes, first on the wire in both directions.
const (
	Sync1 = 0x5B
	Sync2 = 0x5A
)

// Service identifiers.
const (
	ServiceBoot    = 0x33 // boot ROM / SPK / SM command service
	ServiceHostAPI = 0x0D // host-API wrapper service
)

// Boot service opcodes.
const (
	OpKeys     = 0x01 // load provisioning keys blob
	OpSPK      = 0x02 // load secure provisioning kernel
	OpM52BL    = 0x04 // load M52 second-stage bootloader
	OpVersion  = 0x0A // query firmware version
	OpRunImage = 0x0B // jump to a previously uploaded image
	OpExec     = 0x0C // execute the staged image
	OpStorage  = 0x0F // storage (eMMC/SPI) operation
	OpUpload   = 0x12 // begin a streamed image upload
)

// Host-API wrapper opcodes.
const (
	HostOpVersion = 0x0A
	HostOpExec    = 0x0C
	HostOpStorage = 0x0F
	HostOpGeneric = 0x12
)

// Header sizes in bytes.
const (
	CmdHeaderSize  = 32
	RespHeaderSize = 8
	HostHeaderSize = 8
)

// Firmware load addresses.
const (
	AddrSMLoad = 0xB4A00000
	AddrACLoad = 0xBA100000
)

// Image type identifiers carried in the command header.
const (
	TypeGeneric = 0x00000000
	TypeSM      = 0x00000012
	TypeTZK     = 0x00020014
	TypeBL      = 0x00020017
	TypeGPT     = 0x00000010
)

// BlockSize is the storage sector size used for all LBA arithmetic.
const BlockSize = 512

// maxRespPayload bounds a host response payload length; anything larger is
// treated as a corrupt frame rather than waited for.
const maxRespPayload = 1 << 20

// Mode selects the frame envelope for one endpoint.
type Mode int

const (
	// Raw frames are exchanged with the boot ROM and SPK endpoint.
	Raw Mode = iota
	// Host frames carry the host-API wrapper used once SM-level firmware
	// answers on the 0xCAFE endpoint.
	Host
)

func (m Mode) String() string {
	if m == Host {
		return "host"
	}
	return "raw"
}

// StorageOp is a storage subcommand carried in the words field of an
// OpStorage command.
type StorageOp uint32

const (
	StorageInit      StorageOp = 0 // initialize the storage controller
	StorageSelectSPI StorageOp = 1 // route subsequent operations to SPI flash
	StorageSwitch    StorageOp = 2 // switch eMMC hardware partition (param: 0 user, 1/2 boot)
	StorageRead      StorageOp = 3 // read back written blocks for verification
	StorageWrite     StorageOp = 4 // write staged data to blocks
	StorageErase     StorageOp = 5 // erase a block range
)

func (op StorageOp) String() string {
	switch op {
	case StorageInit:
		return "init"
	case StorageSelectSPI:
		return "select-spi"
	case StorageSwitch:
		return "switch"
	case StorageRead:
		return "read"
	case StorageWrite:
		return "write"
	case StorageErase:
		return "erase"
	}
	return "unknown"
}
