package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/synaboot/synaboot/proto"
)

// Upload defaults. The device consumes the announced byte count and
// acknowledges once at the end, so the final ack deadline is generous: the
// firmware may be hashing or relocating the image before it answers.
const (
	DefaultChunkSize  = 3 * 1024 * 1024
	DefaultAckTimeout = 20 * time.Second
)

// Progress receives the transferred byte count after each chunk.
type Progress func(sent, total int64)

// UploadSpec describes one streamed image transfer.
type UploadSpec struct {
	Name string
	Src  io.Reader
	Size int64
	Addr uint32
	Type uint32

	// ChunkSize overrides the stream chunk size when positive.
	ChunkSize int

	// AckTimeout overrides the end-of-transfer acknowledgement deadline.
	AckTimeout time.Duration

	Progress Progress
}

// UploadError reports a failed or cancelled transfer with the byte offset
// reached when it stopped.
type UploadError struct {
	Name   string
	Offset int64
	Err    error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s failed at offset %d: %v", e.Name, e.Offset, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Upload streams an image to the device: a setup command announcing the
// byte count and load address, the image bytes in chunks, then the device's
// end-of-transfer acknowledgement. Cancellation is honored between chunks.
// There is no mid-transfer resume; on any failure the caller restarts the
// whole image.
func (t *Transport) Upload(ctx context.Context, spec UploadSpec) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	chunkSize := int64(spec.ChunkSize)
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	ackTimeout := spec.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}

	setup := proto.NewUploadSetup(spec.Size, spec.Addr, spec.Type)
	resp, err := t.roundTripLocked(ctx, setup)
	if err != nil {
		return &UploadError{Name: spec.Name, Offset: 0, Err: err}
	}
	if err := resp.Err(); err != nil {
		return &UploadError{Name: spec.Name, Offset: 0, Err: err}
	}

	t.log.Info("uploading", "image", spec.Name, "bytes", spec.Size, "addr", fmt.Sprintf("0x%X", spec.Addr))
	if spec.Progress != nil {
		spec.Progress(0, spec.Size)
	}

	// The device acknowledges end-of-transfer unprompted once the last byte
	// lands; listen before streaming so a fast ack is not dropped.
	w := t.install()
	defer t.clear(w)

	buf := make([]byte, chunkSize)
	var sent int64
	for sent < spec.Size {
		if err := ctx.Err(); err != nil {
			return &UploadError{Name: spec.Name, Offset: sent, Err: err}
		}
		n := chunkSize
		if rest := spec.Size - sent; rest < n {
			n = rest
		}
		if _, err := io.ReadFull(spec.Src, buf[:n]); err != nil {
			return &UploadError{Name: spec.Name, Offset: sent, Err: fmt.Errorf("read source: %w", err)}
		}
		if _, err := t.conn.Write(buf[:n]); err != nil {
			return &UploadError{Name: spec.Name, Offset: sent, Err: fmt.Errorf("serial write: %w", err)}
		}
		sent += n
		if spec.Progress != nil {
			spec.Progress(sent, spec.Size)
		}
	}

	resp, err = t.awaitResponse(ctx, w, proto.OpUpload, ackTimeout, false)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			err = &TimeoutError{Opcode: proto.OpUpload, Attempts: 1}
		}
		return &UploadError{Name: spec.Name, Offset: sent, Err: err}
	}
	if err := resp.Err(); err != nil {
		return &UploadError{Name: spec.Name, Offset: sent, Err: err}
	}

	t.log.Debug("upload complete", "image", spec.Name, "bytes", sent)
	return nil
}
