package flash

import (
	"encoding/binary"
	"hash/crc32"
	"unicode/utf16"

	"github.com/google/uuid"

	"github.com/synaboot/synaboot/proto"
)

const (
	gptRevision   = 0x00010000
	gptHeaderSize = 92
	gptEntryCount = 128
	gptEntrySize  = 128
	gptTableSize  = 0x4000

	// GPTImageName is the file the rendered table is written to inside the
	// image directory before flashing.
	GPTImageName = "gpt.bin"
)

// partTypeGUID is the basic-data partition type every entry gets.
var partTypeGUID = uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7")

// gptGUIDBytes renders a GUID in GPT on-disk order: the first three groups
// little-endian, the rest as-is.
func gptGUIDBytes(u uuid.UUID) []byte {
	b := u[:]
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:])
	return out
}

// BuildGPT renders the protective MBR, primary header and entry array for
// the given regions. Disk and partition GUIDs are freshly generated, so two
// builds of the same part list differ.
func BuildGPT(regions []Region) []byte {
	entries := make([]byte, gptEntryCount*gptEntrySize)
	var maxUsed uint64

	for i, r := range regions {
		e := entries[i*gptEntrySize : (i+1)*gptEntrySize]
		copy(e[0:16], gptGUIDBytes(partTypeGUID))
		copy(e[16:32], gptGUIDBytes(uuid.New()))
		binary.LittleEndian.PutUint64(e[32:40], uint64(r.Start))
		binary.LittleEndian.PutUint64(e[40:48], uint64(r.End()))
		// attributes stay zero
		name := utf16.Encode([]rune(r.Name))
		for j := 0; j < len(name) && j < 36; j++ {
			binary.LittleEndian.PutUint16(e[56+2*j:], name[j])
		}
		if end := uint64(r.End()); end > maxUsed {
			maxUsed = end
		}
	}
	entriesCRC := crc32.ChecksumIEEE(entries)

	header := make([]byte, proto.BlockSize)
	copy(header[0:8], "EFI PART")
	binary.LittleEndian.PutUint32(header[8:], gptRevision)
	binary.LittleEndian.PutUint32(header[12:], gptHeaderSize)
	binary.LittleEndian.PutUint64(header[24:], 1)  // this header's LBA
	binary.LittleEndian.PutUint64(header[32:], 0)  // no backup header
	binary.LittleEndian.PutUint64(header[40:], 34) // first usable LBA
	binary.LittleEndian.PutUint64(header[48:], maxUsed)
	copy(header[56:72], gptGUIDBytes(uuid.New()))
	binary.LittleEndian.PutUint64(header[72:], 2) // entry array LBA
	binary.LittleEndian.PutUint32(header[80:], gptEntryCount)
	binary.LittleEndian.PutUint32(header[84:], gptEntrySize)
	binary.LittleEndian.PutUint32(header[88:], entriesCRC)
	binary.LittleEndian.PutUint32(header[16:], crc32.ChecksumIEEE(header[:gptHeaderSize]))

	table := make([]byte, gptTableSize)
	copy(table, entries)

	img := make([]byte, 0, proto.BlockSize*2+gptTableSize)
	img = append(img, protectiveMBR()...)
	img = append(img, header...)
	img = append(img, table...)
	return img
}

// protectiveMBR claims the whole disk with a single 0xEE entry so legacy
// tools leave the GPT alone.
func protectiveMBR() []byte {
	mbr := make([]byte, proto.BlockSize)
	e := mbr[0x1BE:]
	e[0] = 0x00                                  // not bootable
	e[1], e[2], e[3] = 0x00, 0x02, 0x00          // CHS of LBA 1
	e[4] = 0xEE                                  // protective type
	e[5], e[6], e[7] = 0xFF, 0xFF, 0xFF          // CHS end, maxed
	binary.LittleEndian.PutUint32(e[8:], 1)      // first LBA
	binary.LittleEndian.PutUint32(e[12:], 0xFFFFFFFF)
	mbr[510] = 0x55
	mbr[511] = 0xAA
	return mbr
}
