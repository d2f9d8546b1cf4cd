// Package boot sequences one board through its bring-up stages: provisioning
// keys, the SPK, the M52 bootloader, the system manager and the application
// cores, plus the flashing excursions that run on top of a live system
// manager. A Session owns at most one bound transport and replays the chain
// steps an operation needs before it runs.
package boot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/synaboot/synaboot/discover"
	"github.com/synaboot/synaboot/flash"
	"github.com/synaboot/synaboot/image"
	"github.com/synaboot/synaboot/proto"
	"github.com/synaboot/synaboot/transport"
)

// DefaultPortWait bounds how long a rebind waits for the board to
// re-enumerate after it switches firmware.
const DefaultPortWait = 10 * time.Second

// DefaultSettle is the pause after the SPK stack is loaded, before the
// next command is trusted to reach live firmware.
const DefaultSettle = 2 * time.Second

// DialFunc opens a transport to a device of the given class, waiting up to
// wait for it to enumerate. Both return values are non-nil on success.
type DialFunc func(ctx context.Context, class discover.Class, wait time.Duration) (*transport.Transport, *discover.Device, error)

// Images collects the file arguments an operation chain may need. Empty
// fields are only an error when a step actually requires them.
type Images struct {
	Keys  string // provisioning keys blob
	SPK   string // secure provisioning kernel
	M52BL string // M52 second-stage bootloader
	SM    string // system manager image
	BL    string // application-core bootloader
	TZK   string // trusted zone kernel
}

// Session drives one board through the stage machine. Operations within a
// session run strictly one after another; separate boards get separate
// sessions.
type Session struct {
	log  *slog.Logger
	dial DialFunc
	imgs Images

	tr  *transport.Transport
	dev *discover.Device
	cls discover.Class

	stage     Stage
	completed []string

	portWait  time.Duration
	settle    time.Duration
	progress  transport.Progress
	flashOpts []flash.Option
}

// Option adjusts a Session.
type Option func(*Session)

// WithLogger routes session logging.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithPortWait overrides how long rebinds wait for enumeration.
func WithPortWait(d time.Duration) Option {
	return func(s *Session) { s.portWait = d }
}

// WithSettle overrides the post-SPK settle pause; tests zero it.
func WithSettle(d time.Duration) Option {
	return func(s *Session) { s.settle = d }
}

// WithProgress reports image upload progress.
func WithProgress(p transport.Progress) Option {
	return func(s *Session) { s.progress = p }
}

// WithFlashOptions passes extra options to the flash engine backing the
// emmc and spi operations.
func WithFlashOptions(opts ...flash.Option) Option {
	return func(s *Session) { s.flashOpts = append(s.flashOpts, opts...) }
}

// New builds a session that dials devices through dial and reads stage
// images from imgs.
func New(dial DialFunc, imgs Images, opts ...Option) *Session {
	s := &Session{
		log:      slog.New(slog.DiscardHandler),
		dial:     dial,
		imgs:     imgs,
		portWait: DefaultPortWait,
		settle:   DefaultSettle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stage reports the current session stage.
func (s *Session) Stage() Stage { return s.stage }

// Completed lists the operations finished so far, in order.
func (s *Session) Completed() []string {
	return append([]string(nil), s.completed...)
}

// Device reports the device the session is bound to, nil before the first
// bind.
func (s *Session) Device() *discover.Device { return s.dev }

// Reset drops the bound transport and rewinds the session to Idle. The
// board itself keeps whatever firmware it is running.
func (s *Session) Reset() {
	s.dropTransport()
	s.stage = Idle
	s.completed = s.completed[:0]
}

// Close releases the bound transport.
func (s *Session) Close() error {
	if s.tr == nil {
		return nil
	}
	err := s.tr.Close()
	s.tr, s.dev = nil, nil
	return err
}

// RunSPK loads the provisioning keys, the SPK and the M52 bootloader onto a
// freshly powered board.
func (s *Session) RunSPK(ctx context.Context) error {
	return s.fail("run-spk", s.runSPK(ctx))
}

// VersionBL reports the M52 bootloader firmware version, loading the SPK
// stack first when the session has not done so yet.
func (s *Session) VersionBL(ctx context.Context) (string, error) {
	v, err := s.versionBL(ctx)
	return v, s.fail("version-bl", err)
}

// RunSM uploads and starts the system manager. The board re-enumerates as a
// host-API device afterwards.
func (s *Session) RunSM(ctx context.Context) error {
	return s.fail("run-sm", s.runSM(ctx))
}

// VersionSM reports the system manager version, bringing one up first when
// none is running.
func (s *Session) VersionSM(ctx context.Context) (string, error) {
	v, err := s.versionSM(ctx)
	return v, s.fail("version-sm", err)
}

// RunAcore stages the application-core bootloader and the trusted zone
// kernel on a running system manager and executes them.
func (s *Session) RunAcore(ctx context.Context) error {
	return s.fail("run-acore", s.runAcore(ctx))
}

// Emmc flashes the partition layout and images found in dir onto the
// board's eMMC.
func (s *Session) Emmc(ctx context.Context, dir string) error {
	return s.fail("emmc", s.emmc(ctx, dir))
}

// EmmcSM rewrites only the system manager partition from the given image
// file.
func (s *Session) EmmcSM(ctx context.Context, path string) error {
	return s.fail("emmc-sm", s.emmcSM(ctx, path))
}

// Spi writes the whole-flash SPI image found in dir.
func (s *Session) Spi(ctx context.Context, dir string) error {
	return s.fail("spi", s.spi(ctx, dir))
}

func (s *Session) runSPK(ctx context.Context) error {
	if s.stage >= SmRunning {
		return &PreconditionError{Op: "run-spk", Stage: s.stage}
	}

	// All three blobs are read before the first frame goes out.
	stack := []struct {
		flag   string
		opcode byte
		path   string
	}{
		{"keys", proto.OpKeys, s.imgs.Keys},
		{"spk", proto.OpSPK, s.imgs.SPK},
		{"m52bl", proto.OpM52BL, s.imgs.M52BL},
	}
	loads := make([]*proto.Command, 0, len(stack))
	for _, b := range stack {
		blob, err := readBlob(b.flag, b.path)
		if err != nil {
			return err
		}
		loads = append(loads, proto.NewLoad(b.opcode, blob))
	}

	if err := s.bind(ctx, discover.ClassBoot); err != nil {
		return err
	}
	for i, cmd := range loads {
		s.log.Info("loading blob", "file", stack[i].path, "bytes", len(cmd.Payload))
		resp, err := s.tr.RoundTrip(ctx, cmd)
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return err
		}
	}

	s.advance("run-spk", SpkLoaded)
	return s.sleep(ctx, s.settle)
}

func (s *Session) ensureSPK(ctx context.Context) error {
	if s.stage >= SpkLoaded {
		return nil
	}
	return s.runSPK(ctx)
}

func (s *Session) versionBL(ctx context.Context) (string, error) {
	if s.stage >= SmRunning {
		return "", &PreconditionError{Op: "version-bl", Stage: s.stage}
	}
	if err := s.ensureSPK(ctx); err != nil {
		return "", err
	}
	if err := s.bind(ctx, discover.ClassBoot); err != nil {
		return "", err
	}
	resp, err := s.tr.RoundTrip(ctx, proto.NewVersionQuery())
	if err != nil {
		return "", err
	}
	s.advance("version-bl", BootloaderRunning)
	return formatVersion(resp.Status()), nil
}

func (s *Session) runSM(ctx context.Context) error {
	if s.stage >= SmRunning {
		return &PreconditionError{Op: "run-sm", Stage: s.stage}
	}
	if s.imgs.SM == "" {
		return &ArgumentError{Flag: "sm"}
	}
	img, err := image.OpenFile(image.ResolvePath(s.imgs.SM))
	if err != nil {
		return &ArgumentError{Flag: "sm", Path: s.imgs.SM, Err: err}
	}
	defer img.Close()

	if err := s.ensureSPK(ctx); err != nil {
		return err
	}
	if err := s.bind(ctx, discover.ClassBoot); err != nil {
		return err
	}
	err = s.tr.Upload(ctx, transport.UploadSpec{
		Name:     img.Name,
		Src:      img,
		Size:     img.Size,
		Addr:     proto.AddrSMLoad,
		Type:     proto.TypeSM,
		Progress: s.progress,
	})
	if err != nil {
		return err
	}
	resp, err := s.tr.RoundTrip(ctx, proto.NewRunImage(proto.AddrSMLoad), transport.NoReply())
	if err != nil {
		return err
	}
	if resp != nil {
		if err := resp.Err(); err != nil {
			return err
		}
	}

	// The board tears the boot endpoint down and re-enumerates as a
	// host-API device; the next bind dials the new port.
	s.dropTransport()
	s.advance("run-sm", SmRunning)
	return nil
}

// ensureSM leaves the session bound to a live system manager. A manager
// started by an earlier session satisfies it without any image argument.
func (s *Session) ensureSM(ctx context.Context) error {
	if s.stage >= SmRunning {
		return s.bind(ctx, discover.ClassHost)
	}
	found, err := s.probe(ctx, discover.ClassHost)
	if err != nil {
		return err
	}
	if found {
		s.log.Info("system manager already running", "port", s.dev.Port)
		s.stage = SmRunning
		return nil
	}
	if err := s.runSM(ctx); err != nil {
		return err
	}
	return s.bind(ctx, discover.ClassHost)
}

func (s *Session) versionSM(ctx context.Context) (string, error) {
	if err := s.ensureSM(ctx); err != nil {
		return "", err
	}
	resp, err := s.tr.RoundTrip(ctx, proto.NewVersionQuery())
	if err != nil {
		return "", err
	}
	s.advance("version-sm", SmRunning)
	return formatVersion(resp.Status()), nil
}

func (s *Session) runAcore(ctx context.Context) error {
	if s.stage >= AcoreRunning {
		return &PreconditionError{Op: "run-acore", Stage: s.stage}
	}

	// Every chain argument is checked before the first frame goes out.
	if s.stage < SmRunning {
		if s.imgs.SM == "" {
			return &ArgumentError{Flag: "sm"}
		}
		if _, err := os.Stat(image.ResolvePath(s.imgs.SM)); err != nil {
			return &ArgumentError{Flag: "sm", Path: s.imgs.SM, Err: err}
		}
	}
	if s.imgs.BL == "" {
		return &ArgumentError{Flag: "bl"}
	}
	if s.imgs.TZK == "" {
		return &ArgumentError{Flag: "tzk"}
	}
	bl, err := image.OpenFile(image.ResolvePath(s.imgs.BL))
	if err != nil {
		return &ArgumentError{Flag: "bl", Path: s.imgs.BL, Err: err}
	}
	defer bl.Close()
	tzk, err := image.OpenFile(image.ResolvePath(s.imgs.TZK))
	if err != nil {
		return &ArgumentError{Flag: "tzk", Path: s.imgs.TZK, Err: err}
	}
	defer tzk.Close()

	if err := s.ensureSM(ctx); err != nil {
		return err
	}

	for _, step := range []struct {
		img     *image.Image
		imgType uint32
	}{
		{bl, proto.TypeBL},
		{tzk, proto.TypeTZK},
	} {
		err := s.tr.Upload(ctx, transport.UploadSpec{
			Name:     step.img.Name,
			Src:      step.img,
			Size:     step.img.Size,
			Addr:     proto.AddrACLoad,
			Type:     step.imgType,
			Progress: s.progress,
		})
		if err != nil {
			return err
		}
		resp, err := s.tr.RoundTrip(ctx, proto.NewExec(), transport.NoReply())
		if err != nil {
			return err
		}
		if resp != nil {
			if err := resp.Err(); err != nil {
				return err
			}
		}
	}

	s.advance("run-acore", AcoreRunning)
	return nil
}

func (s *Session) emmc(ctx context.Context, dir string) error {
	if dir == "" {
		return &ArgumentError{Flag: "img-dir"}
	}
	return s.flashExcursion(ctx, "emmc", EmmcFlashing, func(f *flash.Flasher) error {
		return f.FlashEmmc(ctx, dir)
	})
}

func (s *Session) emmcSM(ctx context.Context, path string) error {
	if path == "" {
		return &ArgumentError{Flag: "sm-image"}
	}
	if _, err := os.Stat(image.ResolvePath(path)); err != nil {
		return &ArgumentError{Flag: "sm-image", Path: path, Err: err}
	}
	return s.flashExcursion(ctx, "emmc-sm", EmmcFlashing, func(f *flash.Flasher) error {
		return f.UpdateSM(ctx, path)
	})
}

func (s *Session) spi(ctx context.Context, dir string) error {
	if dir == "" {
		return &ArgumentError{Flag: "img-dir"}
	}
	return s.flashExcursion(ctx, "spi", SpiFlashing, func(f *flash.Flasher) error {
		return f.FlashSpi(ctx, dir)
	})
}

// flashExcursion runs fn on a flash engine bound to a live system manager.
// The session stage holds the excursion stage while fn runs and returns to
// the prior stage afterwards, success or not.
func (s *Session) flashExcursion(ctx context.Context, op string, st Stage, fn func(*flash.Flasher) error) error {
	if err := s.ensureFlashReady(ctx); err != nil {
		return err
	}
	prev := s.stage
	s.stage = st
	defer func() { s.stage = prev }()

	opts := append([]flash.Option{
		flash.WithLogger(s.log),
		flash.WithProgress(s.progress),
	}, s.flashOpts...)
	if err := fn(flash.New(s.tr, opts...)); err != nil {
		return &StageError{Op: op, Stage: st, Completed: s.Completed(), Err: err}
	}

	s.completed = append(s.completed, op)
	s.log.Info("op complete", "op", op, "stage", prev)
	return nil
}

// ensureFlashReady leaves the session bound to the host endpoint. Unlike
// ensureSM it can work without a system manager image: a board whose SPK
// stack already serves the host API is good enough.
func (s *Session) ensureFlashReady(ctx context.Context) error {
	if s.stage >= SmRunning {
		return s.bind(ctx, discover.ClassHost)
	}
	found, err := s.probe(ctx, discover.ClassHost)
	if err != nil {
		return err
	}
	if found {
		s.log.Info("host endpoint already live", "port", s.dev.Port)
		s.stage = SmRunning
		return nil
	}
	if s.imgs.SM != "" {
		if err := s.runSM(ctx); err != nil {
			return err
		}
	} else if err := s.ensureSPK(ctx); err != nil {
		return err
	}
	return s.bind(ctx, discover.ClassHost)
}

// bind leaves the session holding a transport of the given class, reusing
// the current one when it already matches.
func (s *Session) bind(ctx context.Context, class discover.Class) error {
	if s.tr != nil && s.cls == class {
		return nil
	}
	s.dropTransport()
	tr, dev, err := s.dial(ctx, class, s.portWait)
	if err != nil {
		return err
	}
	s.tr, s.dev, s.cls = tr, dev, class
	s.log.Debug("session bound", "class", class.String(), "port", dev.Port)
	return nil
}

// probe tries a single enumeration pass for the given class and binds to it
// when present. Absence is not an error.
func (s *Session) probe(ctx context.Context, class discover.Class) (bool, error) {
	tr, dev, err := s.dial(ctx, class, 0)
	if err != nil {
		if errors.Is(err, discover.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	s.dropTransport()
	s.tr, s.dev, s.cls = tr, dev, class
	return true, nil
}

func (s *Session) dropTransport() {
	if s.tr != nil {
		s.tr.Close()
	}
	s.tr = nil
	s.dev = nil
}

func (s *Session) advance(op string, st Stage) {
	if st > s.stage {
		s.stage = st
	}
	s.completed = append(s.completed, op)
	s.log.Info("op complete", "op", op, "stage", s.stage)
}

// fail wraps an operation failure with the session position. Errors that
// already carry it pass through.
func (s *Session) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Op: op, Stage: s.stage, Completed: s.Completed(), Err: err}
}

func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func formatVersion(v uint32) string {
	return fmt.Sprintf("%d.%d", v>>16, v&0xFFFF)
}

// readBlob loads a whole stage blob into memory, inflating a compressed
// sibling when one exists.
func readBlob(flag, path string) ([]byte, error) {
	if path == "" {
		return nil, &ArgumentError{Flag: flag}
	}
	img, err := image.OpenFile(image.ResolvePath(path))
	if err != nil {
		return nil, &ArgumentError{Flag: flag, Path: path, Err: err}
	}
	defer img.Close()
	blob, err := io.ReadAll(img)
	if err != nil {
		return nil, &ArgumentError{Flag: flag, Path: path, Err: err}
	}
	return blob, nil
}
