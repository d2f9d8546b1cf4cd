package boot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaboot/synaboot/discover"
	"github.com/synaboot/synaboot/flash"
	"github.com/synaboot/synaboot/proto"
	"github.com/synaboot/synaboot/transport"
)

// harness fakes the two USB personalities of one board. The host endpoint
// appears once the boot endpoint has been told to run an image, the same way
// the hardware re-enumerates.
type harness struct {
	boot     *transport.MockDevice
	host     *transport.MockDevice
	hostLive bool
	dialed   []discover.Class
}

func newHarness() *harness {
	return &harness{
		boot: transport.NewMockDevice(proto.Raw),
		host: transport.NewMockDevice(proto.Host),
	}
}

func (h *harness) live() bool {
	if h.hostLive {
		return true
	}
	for _, op := range h.boot.Opcodes() {
		if op == proto.OpRunImage {
			return true
		}
	}
	return false
}

func (h *harness) dial(ctx context.Context, class discover.Class, wait time.Duration) (*transport.Transport, *discover.Device, error) {
	h.dialed = append(h.dialed, class)
	switch class {
	case discover.ClassBoot:
		tr := transport.New(h.boot.Conn(),
			transport.WithTimeout(40*time.Millisecond),
			transport.WithRetryInterval(time.Millisecond),
		)
		return tr, &discover.Device{Port: "/dev/ttyUSB0", VID: "06CB", PID: "01A6", Class: class, Board: "vs680"}, nil
	case discover.ClassHost:
		if !h.live() {
			return nil, nil, &discover.NotFoundError{Class: class}
		}
		tr := transport.New(h.host.Conn(),
			transport.WithMode(proto.Host),
			transport.WithTimeout(40*time.Millisecond),
			transport.WithRetryInterval(time.Millisecond),
		)
		return tr, &discover.Device{Port: "/dev/ttyACM0", VID: "CAFE", PID: "4002", Class: class}, nil
	}
	return nil, nil, &discover.NotFoundError{Class: class}
}

func writeImages(t *testing.T) Images {
	t.Helper()
	dir := t.TempDir()
	imgs := Images{
		Keys:  filepath.Join(dir, "key.bin"),
		SPK:   filepath.Join(dir, "spk.bin"),
		M52BL: filepath.Join(dir, "m52bl.bin"),
		SM:    filepath.Join(dir, "sysmgr.bin"),
		BL:    filepath.Join(dir, "bl.subimg"),
		TZK:   filepath.Join(dir, "tzk.subimg"),
	}
	for _, p := range []string{imgs.Keys, imgs.SPK, imgs.M52BL, imgs.SM, imgs.BL, imgs.TZK} {
		require.NoError(t, os.WriteFile(p, []byte(filepath.Base(p)+" payload"), 0o600))
	}
	return imgs
}

func newSession(t *testing.T, h *harness, imgs Images) *Session {
	t.Helper()
	s := New(h.dial, imgs,
		WithSettle(0),
		WithPortWait(100*time.Millisecond),
		WithFlashOptions(flash.WithTiming(flash.Timing{})),
	)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunSPKLoadsStack(t *testing.T) {
	h := newHarness()
	s := newSession(t, h, writeImages(t))

	require.NoError(t, s.RunSPK(context.Background()))

	assert.Equal(t, []byte{proto.OpKeys, proto.OpSPK, proto.OpM52BL}, h.boot.Opcodes())
	cmds := h.boot.Commands()
	require.Len(t, cmds, 3)
	assert.Equal(t, []byte("key.bin payload"), cmds[0].Payload)
	assert.Equal(t, []byte("m52bl.bin payload"), cmds[2].Payload)
	assert.Equal(t, SpkLoaded, s.Stage())
	assert.Equal(t, []string{"run-spk"}, s.Completed())
}

func TestRunSPKRepeatsUntilSMRuns(t *testing.T) {
	h := newHarness()
	s := newSession(t, h, writeImages(t))

	require.NoError(t, s.RunSPK(context.Background()))
	require.NoError(t, s.RunSPK(context.Background()))

	assert.Len(t, h.boot.Opcodes(), 6)
	assert.Equal(t, []string{"run-spk", "run-spk"}, s.Completed())
	assert.Equal(t, SpkLoaded, s.Stage())
}

func TestRunSPKMissingBlobSendsNothing(t *testing.T) {
	h := newHarness()
	imgs := writeImages(t)
	imgs.Keys = ""
	s := newSession(t, h, imgs)

	err := s.RunSPK(context.Background())
	require.ErrorIs(t, err, ErrMissingArgument)
	var ae *ArgumentError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "keys", ae.Flag)
	assert.Empty(t, h.dialed)
	assert.Empty(t, h.boot.Commands())
	assert.Equal(t, Idle, s.Stage())
}

func TestRunSPKBlockedOnceSMRuns(t *testing.T) {
	h := newHarness()
	h.hostLive = true
	s := newSession(t, h, writeImages(t))

	_, err := s.VersionSM(context.Background())
	require.NoError(t, err)
	require.Equal(t, SmRunning, s.Stage())

	err = s.RunSPK(context.Background())
	require.ErrorIs(t, err, ErrPrecondition)
	assert.Empty(t, h.boot.Commands())
}

func TestVersionBLChains(t *testing.T) {
	h := newHarness()
	h.boot.Respond = func(cmd *proto.Command) []transport.Reply {
		if cmd.Opcode == proto.OpVersion {
			return []transport.Reply{{Status: 0x0003000B}}
		}
		return nil
	}
	s := newSession(t, h, writeImages(t))

	v, err := s.VersionBL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3.11", v)
	assert.Equal(t, []byte{proto.OpKeys, proto.OpSPK, proto.OpM52BL, proto.OpVersion}, h.boot.Opcodes())
	assert.Equal(t, BootloaderRunning, s.Stage())
	assert.Equal(t, []string{"run-spk", "version-bl"}, s.Completed())
}

func TestRunSMUploadsAndRebinds(t *testing.T) {
	h := newHarness()
	s := newSession(t, h, writeImages(t))

	require.NoError(t, s.RunSM(context.Background()))

	ops := h.boot.Opcodes()
	assert.Equal(t, []byte{proto.OpKeys, proto.OpSPK, proto.OpM52BL, proto.OpUpload, proto.OpRunImage}, ops)
	assert.Equal(t, []byte("sysmgr.bin payload"), h.boot.DataBytes())

	cmds := h.boot.Commands()
	setup := cmds[3]
	assert.Equal(t, uint32(proto.AddrSMLoad), setup.Addr)
	assert.Equal(t, uint32(proto.TypeSM), setup.Type)
	assert.Equal(t, uint32(len("sysmgr.bin payload")), setup.Words)
	assert.Equal(t, uint32(proto.AddrSMLoad), cmds[4].Addr)

	assert.Equal(t, SmRunning, s.Stage())
	assert.Nil(t, s.Device())
}

func TestRunSMRequiresImage(t *testing.T) {
	h := newHarness()
	imgs := writeImages(t)
	imgs.SM = ""
	s := newSession(t, h, imgs)

	err := s.RunSM(context.Background())
	require.ErrorIs(t, err, ErrMissingArgument)
	var ae *ArgumentError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "sm", ae.Flag)
	assert.Empty(t, h.dialed)
}

func TestVersionSMUsesRunningManager(t *testing.T) {
	h := newHarness()
	h.hostLive = true
	s := newSession(t, h, writeImages(t))

	v, err := s.VersionSM(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.0", v)
	assert.Empty(t, h.boot.Commands())
	assert.Equal(t, []byte{proto.OpVersion}, h.host.Opcodes())
	assert.Equal(t, SmRunning, s.Stage())
	assert.Equal(t, []string{"version-sm"}, s.Completed())
}

func TestVersionSMChainsWhenNoManager(t *testing.T) {
	h := newHarness()
	s := newSession(t, h, writeImages(t))

	v, err := s.VersionSM(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.0", v)
	assert.Equal(t, []byte{proto.OpKeys, proto.OpSPK, proto.OpM52BL, proto.OpUpload, proto.OpRunImage}, h.boot.Opcodes())
	assert.Equal(t, []byte{proto.OpVersion}, h.host.Opcodes())
	assert.Equal(t, []string{"run-spk", "run-sm", "version-sm"}, s.Completed())

	// The first host dial is the probe that came back empty.
	assert.Equal(t, []discover.Class{discover.ClassHost, discover.ClassBoot, discover.ClassHost}, h.dialed)
}

func TestRunAcoreStagesBootloaderAndTZK(t *testing.T) {
	h := newHarness()
	h.hostLive = true
	s := newSession(t, h, writeImages(t))

	require.NoError(t, s.RunAcore(context.Background()))

	assert.Equal(t, []byte{proto.OpUpload, proto.OpExec, proto.OpUpload, proto.OpExec}, h.host.Opcodes())
	cmds := h.host.Commands()
	require.Len(t, cmds, 4)
	assert.Equal(t, uint32(proto.AddrACLoad), cmds[0].Addr)
	assert.Equal(t, uint32(proto.TypeBL), cmds[0].Type)
	assert.Equal(t, uint32(proto.AddrACLoad), cmds[2].Addr)
	assert.Equal(t, uint32(proto.TypeTZK), cmds[2].Type)
	assert.Equal(t, []byte("bl.subimg payloadtzk.subimg payload"), h.host.DataBytes())
	assert.Equal(t, AcoreRunning, s.Stage())
}

func TestRunAcoreValidatesArgumentsFirst(t *testing.T) {
	h := newHarness()
	h.hostLive = true
	imgs := writeImages(t)
	imgs.TZK = ""
	s := newSession(t, h, imgs)

	err := s.RunAcore(context.Background())
	require.ErrorIs(t, err, ErrMissingArgument)
	var ae *ArgumentError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "tzk", ae.Flag)
	assert.Empty(t, h.dialed)
	assert.Empty(t, h.host.Commands())
}

func TestRunAcoreBlockedWhenAlreadyRunning(t *testing.T) {
	h := newHarness()
	h.hostLive = true
	s := newSession(t, h, writeImages(t))

	require.NoError(t, s.RunAcore(context.Background()))
	err := s.RunAcore(context.Background())
	require.ErrorIs(t, err, ErrPrecondition)
	assert.Len(t, h.host.Opcodes(), 4)
}

func TestStageErrorNamesCompletedLinks(t *testing.T) {
	h := newHarness()
	h.boot.Respond = func(cmd *proto.Command) []transport.Reply {
		if cmd.Opcode == proto.OpUpload {
			return []transport.Reply{{Status: 7}}
		}
		return nil
	}
	s := newSession(t, h, writeImages(t))

	err := s.RunSM(context.Background())
	require.Error(t, err)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "run-sm", se.Op)
	assert.Equal(t, SpkLoaded, se.Stage)
	assert.Equal(t, []string{"run-spk"}, se.Completed)

	var ue *transport.UploadError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, int64(0), ue.Offset)
}

func TestEmmcSMRequiresImagePath(t *testing.T) {
	h := newHarness()
	s := newSession(t, h, writeImages(t))

	err := s.EmmcSM(context.Background(), "")
	require.ErrorIs(t, err, ErrMissingArgument)
	assert.Empty(t, h.dialed)
}

func TestEmmcSMExcursionRestoresStage(t *testing.T) {
	h := newHarness()
	h.hostLive = true
	imgs := writeImages(t)
	s := newSession(t, h, imgs)

	require.NoError(t, s.EmmcSM(context.Background(), imgs.SM))

	assert.Equal(t, SmRunning, s.Stage())
	assert.Contains(t, s.Completed(), "emmc-sm")

	// init, switch, upload, erase, write, read-back
	ops := h.host.Opcodes()
	assert.Equal(t, []byte{proto.OpStorage, proto.OpStorage, proto.OpUpload, proto.OpStorage, proto.OpStorage, proto.OpStorage}, ops)
}

func TestEmmcChainsFromIdle(t *testing.T) {
	h := newHarness()
	imgs := writeImages(t)
	s := newSession(t, h, imgs)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "emmc_part_list"), []byte("sysmgr, 48, 8\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "emmc_image_list"), []byte("sysmgr.bin, sd1\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sysmgr.bin"), []byte("sm partition payload"), 0o600))

	require.NoError(t, s.Emmc(context.Background(), dir))

	// The SPK stack and system manager were brought up first.
	assert.Equal(t, []byte{proto.OpKeys, proto.OpSPK, proto.OpM52BL, proto.OpUpload, proto.OpRunImage}, h.boot.Opcodes())
	assert.NotEmpty(t, h.host.Opcodes())
	assert.Equal(t, SmRunning, s.Stage())
	assert.Equal(t, []string{"run-spk", "run-sm", "emmc"}, s.Completed())
}

func TestResetRewindsSession(t *testing.T) {
	h := newHarness()
	s := newSession(t, h, writeImages(t))

	require.NoError(t, s.RunSPK(context.Background()))
	require.Equal(t, SpkLoaded, s.Stage())

	s.Reset()
	assert.Equal(t, Idle, s.Stage())
	assert.Empty(t, s.Completed())
	assert.Nil(t, s.Device())
}
