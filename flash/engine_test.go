package flash

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/synaboot/synaboot/proto"
	"github.com/synaboot/synaboot/transport"
)

func newFlasher(t *testing.T, opts ...Option) (*Flasher, *transport.MockDevice) {
	t.Helper()
	dev := transport.NewMockDevice(proto.Host)
	tr := transport.New(dev.Conn(),
		transport.WithMode(proto.Host),
		transport.WithTimeout(40*time.Millisecond),
		transport.WithRetryInterval(time.Millisecond),
	)
	t.Cleanup(func() { tr.Close() })
	all := append([]Option{WithTiming(Timing{})}, opts...)
	return New(tr, all...), dev
}

// storageOps extracts the storage subcommand sequence from the captured
// frames, skipping uploads.
func storageOps(cmds []*proto.Command) []proto.StorageOp {
	var ops []proto.StorageOp
	for _, c := range cmds {
		if c.Opcode == proto.OpStorage {
			ops = append(ops, proto.StorageOp(c.Words))
		}
	}
	return ops
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func TestFlashEmmcCommandSequence(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, PartListName, "sysmgr, 48, 8\n")
	writeManifest(t, dir, ImageListName, "sysmgr.bin, sd1\n")
	writeImage(t, dir, "sysmgr.bin", 600)

	f, dev := newFlasher(t)
	require.NoError(t, f.FlashEmmc(context.Background(), dir))

	cmds := dev.Commands()
	require.Len(t, cmds, 12)

	// GPT: init, switch to user area, upload, erase, write, read back.
	assert.Equal(t, []proto.StorageOp{
		proto.StorageInit, proto.StorageSwitch, proto.StorageErase, proto.StorageWrite, proto.StorageRead,
		proto.StorageInit, proto.StorageSwitch, proto.StorageErase, proto.StorageWrite, proto.StorageRead,
	}, storageOps(cmds))

	gptSetup := cmds[2]
	assert.Equal(t, byte(proto.OpUpload), gptSetup.Opcode)
	assert.Equal(t, uint32(512+512+gptTableSize), gptSetup.Words)
	assert.Equal(t, uint32(proto.TypeGPT), gptSetup.Type)
	assert.Equal(t, uint32(proto.AddrACLoad), gptSetup.Addr)

	gptErase := cmds[3]
	assert.Equal(t, uint32(0), gptErase.Param)
	assert.Equal(t, uint32(34), gptErase.Addr)

	smSetup := cmds[8]
	assert.Equal(t, uint32(600), smSetup.Words)
	assert.Equal(t, uint32(proto.TypeSM), smSetup.Type)

	smWrite := cmds[10]
	assert.Equal(t, uint32(48*2048), smWrite.Param)
	assert.Equal(t, uint32(2), smWrite.Addr)

	// The streamed bytes are the rendered GPT followed by the image.
	data := dev.DataBytes()
	require.Len(t, data, 512+512+gptTableSize+600)
	assert.Equal(t, "EFI PART", string(data[512:520]))
	assert.Equal(t, byte(0xA5), data[len(data)-1])
}

func TestFlashEmmcBootPartitionSwitch(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, PartListName, "sysmgr, 48, 8\n")
	writeManifest(t, dir, ImageListName, "bl.subimg, b1\nbl.subimg, b2\nsysmgr.bin, sd1\n")
	writeImage(t, dir, "bl.subimg", 512)
	writeImage(t, dir, "sysmgr.bin", 600)

	f, dev := newFlasher(t)
	require.NoError(t, f.FlashEmmc(context.Background(), dir))

	var switches []uint32
	for _, c := range dev.Commands() {
		if c.Opcode == proto.OpStorage && proto.StorageOp(c.Words) == proto.StorageSwitch {
			switches = append(switches, c.Param)
		}
	}
	assert.Equal(t, []uint32{0, 1, 2, 0}, switches)
}

func TestFlashEmmcAbortNamesPartition(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, PartListName, "alpha, 48, 8\nbeta, 64, 8\n")
	writeManifest(t, dir, ImageListName, "a.img, sd1\nb.img, sd2\n")
	writeImage(t, dir, "a.img", 512)
	writeImage(t, dir, "b.img", 512)

	f, dev := newFlasher(t)
	dev.Respond = func(cmd *proto.Command) []transport.Reply {
		if proto.StorageOp(cmd.Words) == proto.StorageErase && cmd.Param == 64*2048 {
			return []transport.Reply{{Status: 9}}
		}
		return nil
	}

	err := f.FlashEmmc(context.Background(), dir)
	require.Error(t, err)

	var fe *FlashError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "beta", fe.Partition)
	assert.Equal(t, "b.img", fe.File)

	var se *proto.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, uint32(9), se.Status)

	// Nothing was sent past the failing erase.
	cmds := dev.Commands()
	last := cmds[len(cmds)-1]
	assert.Equal(t, proto.StorageErase, proto.StorageOp(last.Words))
	assert.Equal(t, uint32(64*2048), last.Param)
}

func TestFlashEmmcFinalEraseSilenceIsCompletion(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, PartListName, "data, 48, 8\n")
	writeManifest(t, dir, ImageListName, "a.img, sd1\nerase, sd1\n")
	writeImage(t, dir, "a.img", 512)

	f, dev := newFlasher(t, WithFinalGrace(30*time.Millisecond))
	dev.Respond = func(cmd *proto.Command) []transport.Reply {
		if proto.StorageOp(cmd.Words) == proto.StorageErase && cmd.Addr == 8*2048 {
			return []transport.Reply{{Silent: true}}
		}
		return nil
	}

	require.NoError(t, f.FlashEmmc(context.Background(), dir))

	cmds := dev.Commands()
	last := cmds[len(cmds)-1]
	assert.Equal(t, proto.StorageErase, proto.StorageOp(last.Words))
	assert.Equal(t, uint32(48*2048), last.Param)
	assert.Equal(t, uint32(8*2048), last.Addr)
}

func TestFlashEmmcMidPlanEraseSilenceFails(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, PartListName, "data, 48, 8\n")
	writeManifest(t, dir, ImageListName, "erase, sd1\nb.img, sd1\n")
	writeImage(t, dir, "b.img", 512)

	f, dev := newFlasher(t, WithOpTimeout(40*time.Millisecond))
	dev.Respond = func(cmd *proto.Command) []transport.Reply {
		if proto.StorageOp(cmd.Words) == proto.StorageErase && cmd.Addr == 8*2048 {
			return []transport.Reply{{Silent: true}}
		}
		return nil
	}

	err := f.FlashEmmc(context.Background(), dir)
	require.ErrorIs(t, err, transport.ErrTimeout)

	var fe *FlashError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "data", fe.Partition)

	// The image queued after the erase was never uploaded.
	for _, c := range dev.Commands() {
		if c.Opcode == proto.OpUpload {
			assert.NotEqual(t, uint32(512), c.Words)
		}
	}
}

func TestFlashEmmcVerifyCountMismatch(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, PartListName, "data, 48, 8\n")
	writeManifest(t, dir, ImageListName, "a.img, sd1\n")
	writeImage(t, dir, "a.img", 512)

	f, dev := newFlasher(t)
	dev.Respond = func(cmd *proto.Command) []transport.Reply {
		if proto.StorageOp(cmd.Words) == proto.StorageRead {
			return []transport.Reply{{Data: le32(1)}}
		}
		return nil
	}

	err := f.FlashEmmc(context.Background(), dir)
	require.ErrorIs(t, err, ErrVerify)

	var ve *VerifyError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "gpt", ve.Partition)
	assert.Equal(t, uint32(34), ve.Want)
	assert.Equal(t, uint32(1), ve.Got)
}

func TestFlashEmmcVerifyNoPayloadFails(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, PartListName, "data, 48, 8\n")
	writeManifest(t, dir, ImageListName, "a.img, sd1\n")
	writeImage(t, dir, "a.img", 512)

	f, dev := newFlasher(t)
	dev.Respond = func(cmd *proto.Command) []transport.Reply {
		if proto.StorageOp(cmd.Words) == proto.StorageRead {
			return []transport.Reply{{Empty: true}}
		}
		return nil
	}

	err := f.FlashEmmc(context.Background(), dir)
	require.ErrorIs(t, err, ErrVerify)

	var ve *VerifyError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, uint32(0), ve.Got)
}

func TestFlashEmmcManifestFailureSendsNothing(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, PartListName, "data, 48, 8\nbroken\n")
	writeManifest(t, dir, ImageListName, "a.img, sd1\n")
	writeImage(t, dir, "a.img", 512)

	f, dev := newFlasher(t)
	err := f.FlashEmmc(context.Background(), dir)
	require.ErrorIs(t, err, ErrManifest)
	assert.Empty(t, dev.Commands())
}

func TestFlashEmmcChunkedLargeImage(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, PartListName, "data, 48, 8\n")
	writeManifest(t, dir, ImageListName, "big.img, sd1\n")
	writeImage(t, dir, "big.img", 2500)

	var last [2]int64
	progress := func(sent, total int64) { last = [2]int64{sent, total} }

	f, dev := newFlasher(t, WithChunking(1024, 1024), WithProgress(progress))
	require.NoError(t, f.FlashEmmc(context.Background(), dir))

	// Three sub-chunks: 1024, 1024 and 452 zero-padded to one block.
	var setups []*proto.Command
	var erases []*proto.Command
	for _, c := range dev.Commands() {
		switch {
		case c.Opcode == proto.OpUpload && c.Type == uint32(proto.TypeGPT) && c.Words != uint32(512+512+gptTableSize):
			setups = append(setups, c)
		case c.Opcode == proto.OpStorage && proto.StorageOp(c.Words) == proto.StorageErase && c.Param >= 48*2048:
			erases = append(erases, c)
		}
	}
	require.Len(t, setups, 3)
	assert.Equal(t, uint32(1024), setups[0].Words)
	assert.Equal(t, uint32(1024), setups[1].Words)
	assert.Equal(t, uint32(512), setups[2].Words)

	require.Len(t, erases, 3)
	assert.Equal(t, uint32(48*2048), erases[0].Param)
	assert.Equal(t, uint32(48*2048+2), erases[1].Param)
	assert.Equal(t, uint32(48*2048+4), erases[2].Param)
	assert.Equal(t, uint32(1), erases[2].Addr)

	// The padding bytes are zero on the wire.
	data := dev.DataBytes()
	require.Len(t, data, 512+512+gptTableSize+1024+1024+512)
	tail := data[len(data)-60:]
	for _, b := range tail {
		assert.Equal(t, byte(0), b)
	}

	// Progress ends at the true image size, not the padded one.
	assert.Equal(t, [2]int64{2500, 2500}, last)
}

func TestFlashSpiSequence(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, SPIImageName, 1024)

	f, dev := newFlasher(t)
	require.NoError(t, f.FlashSpi(context.Background(), dir))

	assert.Equal(t, []proto.StorageOp{
		proto.StorageInit, proto.StorageSelectSPI, proto.StorageErase, proto.StorageWrite, proto.StorageRead,
	}, storageOps(dev.Commands()))

	cmds := dev.Commands()
	setup := cmds[2]
	assert.Equal(t, byte(proto.OpUpload), setup.Opcode)
	assert.Equal(t, uint32(1024), setup.Words)
	assert.Equal(t, uint32(proto.TypeGeneric), setup.Type)

	erase := cmds[3]
	assert.Equal(t, uint32(0), erase.Param)
	assert.Equal(t, uint32(2), erase.Addr)
}

func TestFlashSpiMissingImage(t *testing.T) {
	f, dev := newFlasher(t)
	err := f.FlashSpi(context.Background(), t.TempDir())
	require.Error(t, err)

	var fe *FlashError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "spi", fe.Partition)
	assert.Empty(t, dev.Commands())
}

func TestUpdateSMFixedLocation(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "sysmgr.bin", 600)

	f, dev := newFlasher(t)
	require.NoError(t, f.UpdateSM(context.Background(), filepath.Join(dir, "sysmgr.bin")))

	assert.Equal(t, []proto.StorageOp{
		proto.StorageInit, proto.StorageSwitch, proto.StorageErase, proto.StorageWrite, proto.StorageRead,
	}, storageOps(dev.Commands()))

	cmds := dev.Commands()
	assert.Equal(t, uint32(0), cmds[1].Param) // user area

	setup := cmds[2]
	assert.Equal(t, uint32(proto.TypeSM), setup.Type)
	assert.Equal(t, uint32(600), setup.Words)

	erase := cmds[3]
	assert.Equal(t, uint32(smPartitionLBA), erase.Param)
	assert.Equal(t, uint32(2), erase.Addr)
}

func TestFlashersRunIndependently(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	writeImage(t, dirA, "sysmgr.bin", 600)
	writeImage(t, dirB, "sysmgr.bin", 1200)

	fa, da := newFlasher(t)
	fb, db := newFlasher(t)

	var g errgroup.Group
	g.Go(func() error { return fa.UpdateSM(context.Background(), filepath.Join(dirA, "sysmgr.bin")) })
	g.Go(func() error { return fb.UpdateSM(context.Background(), filepath.Join(dirB, "sysmgr.bin")) })
	require.NoError(t, g.Wait())

	assert.Len(t, da.Commands(), 6)
	assert.Len(t, db.Commands(), 6)
	assert.Len(t, da.DataBytes(), 600)
	assert.Len(t, db.DataBytes(), 1200)
}
