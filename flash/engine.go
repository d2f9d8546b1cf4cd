// Package flash turns an image directory into a sequence of storage
// operations against a board: manifests are parsed into a validated plan,
// the GPT is rendered, and each plan entry is uploaded, erased, written and
// read back. Any step failure aborts the whole run before the next
// partition is touched.
package flash

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/synaboot/synaboot/image"
	"github.com/synaboot/synaboot/proto"
	"github.com/synaboot/synaboot/transport"
)

const (
	// DefaultOpTimeout bounds a single erase/write/read-back, which on a
	// large partition runs minutes.
	DefaultOpTimeout = 240 * time.Second

	// DefaultFinalGrace is how long the terminal erase may stay silent
	// before the engine takes the silence as completion.
	DefaultFinalGrace = 5 * time.Second

	// DefaultChunkThreshold is the file size beyond which an image is
	// flashed in sub-chunks instead of one upload.
	DefaultChunkThreshold = 100 << 20

	// DefaultFlashChunk is the sub-chunk size for large images.
	DefaultFlashChunk = 32 << 20

	// SPIImageName is the whole-flash image expected by FlashSpi.
	SPIImageName = "spi.subimg"

	// smPartitionLBA is the fixed user-area location of the system manager
	// image rewritten by UpdateSM.
	smPartitionLBA = 98304
)

// Timing holds the settle delays the storage controller needs after state
// changes. Boot partitions are much slower to settle than the user area.
type Timing struct {
	Settle     time.Duration // after init/switch/erase/write on the user area
	BootSwitch time.Duration // after switching to a boot partition
	BootErase  time.Duration // after erasing a boot partition
	BootWrite  time.Duration // after writing a boot partition
}

// DefaultTiming mirrors the delays the boards are known to need.
var DefaultTiming = Timing{
	Settle:     100 * time.Millisecond,
	BootSwitch: 12 * time.Second,
	BootErase:  3 * time.Second,
	BootWrite:  7 * time.Second,
}

// Flasher drives storage operations over one bound transport.
type Flasher struct {
	tr  *transport.Transport
	log *slog.Logger

	timing         Timing
	opTimeout      time.Duration
	finalGrace     time.Duration
	chunkThreshold int64
	chunkSize      int64
	progress       transport.Progress
}

// Option adjusts a Flasher.
type Option func(*Flasher)

// WithLogger routes engine logging.
func WithLogger(l *slog.Logger) Option {
	return func(f *Flasher) { f.log = l }
}

// WithTiming overrides the settle delays; tests zero them.
func WithTiming(t Timing) Option {
	return func(f *Flasher) { f.timing = t }
}

// WithOpTimeout overrides the per-operation storage deadline.
func WithOpTimeout(d time.Duration) Option {
	return func(f *Flasher) { f.opTimeout = d }
}

// WithFinalGrace overrides the terminal-erase silence window.
func WithFinalGrace(d time.Duration) Option {
	return func(f *Flasher) { f.finalGrace = d }
}

// WithChunking overrides the large-file threshold and sub-chunk size.
func WithChunking(threshold, chunk int64) Option {
	return func(f *Flasher) {
		f.chunkThreshold = threshold
		f.chunkSize = chunk
	}
}

// WithProgress reports upload progress.
func WithProgress(p transport.Progress) Option {
	return func(f *Flasher) { f.progress = p }
}

// New builds a Flasher over an already-bound transport.
func New(tr *transport.Transport, opts ...Option) *Flasher {
	f := &Flasher{
		tr:             tr,
		log:            slog.New(slog.DiscardHandler),
		timing:         DefaultTiming,
		opTimeout:      DefaultOpTimeout,
		finalGrace:     DefaultFinalGrace,
		chunkThreshold: DefaultChunkThreshold,
		chunkSize:      DefaultFlashChunk,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FlashEmmc builds the plan for dir and executes it. The plan fails before
// any device traffic; once execution starts, the first failing step aborts
// the run naming its partition.
func (f *Flasher) FlashEmmc(ctx context.Context, dir string) error {
	plan, err := BuildPlan(dir)
	if err != nil {
		return err
	}
	f.log.Info("flash plan ready", "dir", dir, "steps", len(plan.Entries))

	f.tr.Reset()
	for i := range plan.Entries {
		e := &plan.Entries[i]
		if err := ctx.Err(); err != nil {
			return f.entryErr(e, err)
		}
		f.log.Info("flashing", "target", e.Target, "image", e.Name, "lba", e.LBA, "blocks", e.Blocks)
		if err := f.flashEntry(ctx, e); err != nil {
			return f.entryErr(e, err)
		}
	}
	f.log.Info("flash complete", "steps", len(plan.Entries))
	return nil
}

// FlashSpi writes the whole-flash SPI image found in dir: init, select the
// SPI device, upload, erase, write, read back. No manifests are involved.
func (f *Flasher) FlashSpi(ctx context.Context, dir string) error {
	img, err := image.Open(dir, SPIImageName)
	if err != nil {
		return &FlashError{Partition: "spi", File: SPIImageName, Err: err}
	}
	defer img.Close()
	blocks := blockCount(img.Size)

	f.tr.Reset()
	err = func() error {
		if err := f.storage(ctx, proto.StorageInit, 0, 0, f.timing.Settle); err != nil {
			return fmt.Errorf("storage init: %w", err)
		}
		if err := f.storage(ctx, proto.StorageSelectSPI, 0, 0, f.timing.Settle); err != nil {
			return fmt.Errorf("select spi: %w", err)
		}
		if err := f.upload(ctx, img.Name, img, img.Size, proto.TypeGeneric, 0, img.Size); err != nil {
			return err
		}
		if err := f.storage(ctx, proto.StorageErase, 0, blocks, f.timing.Settle, f.opOpts()...); err != nil {
			return fmt.Errorf("erase: %w", err)
		}
		if err := f.storage(ctx, proto.StorageWrite, 0, blocks, f.timing.Settle, f.opOpts()...); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		return f.verify(ctx, "spi", 0, blocks)
	}()
	if err != nil {
		return &FlashError{Partition: "spi", File: img.Name, Err: err}
	}
	f.log.Info("spi flash complete", "image", img.Name, "blocks", blocks)
	return nil
}

// UpdateSM rewrites the system manager image at its fixed user-area
// location without touching the rest of the disk.
func (f *Flasher) UpdateSM(ctx context.Context, path string) error {
	img, err := image.OpenFile(image.ResolvePath(path))
	if err != nil {
		return &FlashError{Partition: "sm", File: filepath.Base(path), Err: err}
	}
	defer img.Close()
	blocks := blockCount(img.Size)

	f.tr.Reset()
	err = func() error {
		if err := f.storage(ctx, proto.StorageInit, 0, 0, f.timing.Settle); err != nil {
			return fmt.Errorf("storage init: %w", err)
		}
		if err := f.storage(ctx, proto.StorageSwitch, 0, 0, f.timing.Settle); err != nil {
			return fmt.Errorf("switch partition: %w", err)
		}
		if err := f.upload(ctx, img.Name, img, img.Size, proto.TypeSM, 0, img.Size); err != nil {
			return err
		}
		if err := f.storage(ctx, proto.StorageErase, smPartitionLBA, blocks, f.timing.Settle, f.opOpts()...); err != nil {
			return fmt.Errorf("erase: %w", err)
		}
		if err := f.storage(ctx, proto.StorageWrite, smPartitionLBA, blocks, f.timing.Settle, f.opOpts()...); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		return f.verify(ctx, "sm", smPartitionLBA, blocks)
	}()
	if err != nil {
		return &FlashError{Partition: "sm", File: img.Name, Err: err}
	}
	f.log.Info("sm image updated", "image", img.Name, "lba", smPartitionLBA, "blocks", blocks)
	return nil
}

func (f *Flasher) flashEntry(ctx context.Context, e *Entry) error {
	switchSettle := f.timing.Settle
	if e.Switch != 0 {
		switchSettle = f.timing.BootSwitch
	}
	if err := f.storage(ctx, proto.StorageInit, 0, 0, f.timing.Settle); err != nil {
		return fmt.Errorf("storage init: %w", err)
	}
	if err := f.storage(ctx, proto.StorageSwitch, e.Switch, 0, switchSettle); err != nil {
		return fmt.Errorf("switch partition: %w", err)
	}

	if e.Action == ActionErase {
		opts := f.opOpts()
		if e.Final {
			// The terminal erase may take the firmware's own storage with
			// it; silence inside the grace window counts as done.
			opts = []transport.ReqOption{transport.Timeout(f.finalGrace), transport.NoReply()}
		}
		if err := f.storage(ctx, proto.StorageErase, e.LBA, e.Blocks, f.timing.Settle, opts...); err != nil {
			return fmt.Errorf("erase: %w", err)
		}
		return nil
	}

	if e.Size > f.chunkThreshold {
		return f.flashChunked(ctx, e)
	}

	img, err := image.OpenFile(e.File)
	if err != nil {
		return err
	}
	defer img.Close()
	blocks := blockCount(img.Size)

	if err := f.upload(ctx, e.Name, img, img.Size, e.Type, 0, img.Size); err != nil {
		return err
	}

	eraseSettle, writeSettle := f.timing.Settle, f.timing.Settle
	if e.Switch != 0 {
		eraseSettle, writeSettle = f.timing.BootErase, f.timing.BootWrite
	}
	if err := f.storage(ctx, proto.StorageErase, e.LBA, blocks, eraseSettle, f.opOpts()...); err != nil {
		return fmt.Errorf("erase: %w", err)
	}
	if err := f.storage(ctx, proto.StorageWrite, e.LBA, blocks, writeSettle, f.opOpts()...); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return f.verify(ctx, entryLabel(e), e.LBA, blocks)
}

// flashChunked streams a large image in sub-chunks, each one uploaded,
// erased, written and verified at an advancing LBA. Chunks are zero-padded
// to a block multiple.
func (f *Flasher) flashChunked(ctx context.Context, e *Entry) error {
	img, err := image.OpenFile(e.File)
	if err != nil {
		return err
	}
	defer img.Close()

	f.log.Info("chunked mode", "image", e.Name, "bytes", img.Size, "chunk", f.chunkSize)

	buf := make([]byte, f.chunkSize)
	lba := e.LBA
	var done int64

	for done < img.Size {
		want := f.chunkSize
		if rest := img.Size - done; rest < want {
			want = rest
		}
		if _, err := io.ReadFull(img, buf[:want]); err != nil {
			return fmt.Errorf("read %s: %w", e.Name, err)
		}
		chunk := buf[:want]
		if rem := want % proto.BlockSize; rem != 0 {
			chunk = append(chunk, make([]byte, proto.BlockSize-rem)...)
		}
		blocks := blockCount(int64(len(chunk)))

		f.log.Debug("chunk", "lba", lba, "blocks", blocks)
		if err := f.upload(ctx, e.Name, bytes.NewReader(chunk), int64(len(chunk)), e.Type, done, img.Size); err != nil {
			return err
		}
		if err := f.storage(ctx, proto.StorageErase, lba, blocks, f.timing.Settle, f.opOpts()...); err != nil {
			return fmt.Errorf("erase: %w", err)
		}
		if err := f.storage(ctx, proto.StorageWrite, lba, blocks, f.timing.Settle, f.opOpts()...); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		if err := f.verify(ctx, entryLabel(e), lba, blocks); err != nil {
			return err
		}

		lba += blocks
		done += want
	}
	return nil
}

// upload streams one payload to the staging address. base and full shift
// the progress callback so chunked uploads report whole-file offsets.
func (f *Flasher) upload(ctx context.Context, name string, src io.Reader, size int64, imgType uint32, base, full int64) error {
	var prog transport.Progress
	if f.progress != nil {
		outer := f.progress
		prog = func(sent, total int64) {
			outer(min(base+sent, full), full)
		}
	}
	return f.tr.Upload(ctx, transport.UploadSpec{
		Name:     name,
		Src:      src,
		Size:     size,
		Addr:     proto.AddrACLoad,
		Type:     imgType,
		Progress: prog,
	})
}

// storage sends one storage operation, checks its status and lets the
// controller settle.
func (f *Flasher) storage(ctx context.Context, op proto.StorageOp, p1, p2 uint32, settle time.Duration, ro ...transport.ReqOption) error {
	resp, err := f.tr.RoundTrip(ctx, proto.NewStorageOp(op, p1, p2), ro...)
	if err != nil {
		return err
	}
	if resp != nil {
		if err := resp.Err(); err != nil {
			return err
		}
	}
	return sleepCtx(ctx, settle)
}

// verify reads back the written range and compares the device's confirmed
// block count. A no-payload completion here is not good enough: the count
// must match.
func (f *Flasher) verify(ctx context.Context, label string, lba, blocks uint32) error {
	resp, err := f.tr.RoundTrip(ctx, proto.NewStorageOp(proto.StorageRead, lba, blocks), f.opOpts()...)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	data := resp.Data()
	if len(data) < 4 {
		return &VerifyError{Partition: label, Want: blocks}
	}
	got := binary.LittleEndian.Uint32(data)
	if got != blocks {
		return &VerifyError{Partition: label, Want: blocks, Got: got}
	}
	return nil
}

// opOpts bounds a destructive or long-running storage command: one attempt,
// long deadline. Re-sending an erase or write after a timeout could tear
// the medium state.
func (f *Flasher) opOpts() []transport.ReqOption {
	return []transport.ReqOption{transport.Timeout(f.opTimeout), transport.Attempts(1)}
}

func (f *Flasher) entryErr(e *Entry, err error) error {
	return &FlashError{Partition: entryLabel(e), File: e.Name, Err: err}
}

func entryLabel(e *Entry) string {
	if e.Partition != "" {
		return e.Partition
	}
	return e.Target
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
