package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/synaboot/synaboot/proto"
)

// Reply scripts one response emitted by a MockDevice.
type Reply struct {
	// AfterData holds the reply until the pending upload data phase has
	// been fully consumed.
	AfterData bool

	// Silent emits nothing; the device stays quiet for this command.
	Silent bool

	// Raw emits literal wire bytes, overriding all other fields.
	Raw []byte

	// Opcode of the response; zero echoes the command's opcode.
	Opcode byte

	// Status is the result word. Version queries place their version here.
	Status uint32

	// Data is appended after the status word (host endpoints only).
	Data []byte

	// Empty emits the bare no-payload completion shape instead of a
	// status-carrying response.
	Empty bool
}

// MockDevice simulates the board side of the protocol over an in-memory
// Conn. With no Respond script it acknowledges every command with status 0,
// reports version 1.0, accepts uploads, and answers storage read-backs with
// the requested block count.
type MockDevice struct {
	Mode proto.Mode

	// Respond scripts the replies for a decoded command. Returning nil
	// falls back to the default acknowledgement. Called with the device
	// lock held; it must not call back into the device.
	Respond func(cmd *proto.Command) []Reply

	mu       sync.Mutex
	cmds     []*proto.Command
	rx       []byte
	out      bytes.Buffer
	pending  int64
	dataGot  []byte
	deferred []Reply
	setupCmd *proto.Command
	closed   bool
}

// NewMockDevice builds a device speaking the given frame envelope.
func NewMockDevice(mode proto.Mode) *MockDevice {
	return &MockDevice{Mode: mode}
}

// Conn returns the host-side connection to this device.
func (d *MockDevice) Conn() Conn { return &mockConn{dev: d} }

// Commands returns a snapshot of the commands decoded so far.
func (d *MockDevice) Commands() []*proto.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*proto.Command(nil), d.cmds...)
}

// Opcodes returns the opcode sequence of the commands decoded so far.
func (d *MockDevice) Opcodes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	ops := make([]byte, len(d.cmds))
	for i, c := range d.cmds {
		ops[i] = c.Opcode
	}
	return ops
}

// DataBytes returns the raw upload bytes consumed so far.
func (d *MockDevice) DataBytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.dataGot...)
}

func (d *MockDevice) feed(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, io.ErrClosedPipe
	}
	d.rx = append(d.rx, p...)

	for {
		if d.pending > 0 {
			n := min(d.pending, int64(len(d.rx)))
			d.dataGot = append(d.dataGot, d.rx[:n]...)
			d.rx = d.rx[n:]
			d.pending -= n
			if d.pending > 0 {
				break
			}
			for _, r := range d.deferred {
				d.emit(d.setupCmd, r)
			}
			d.deferred = nil
			continue
		}
		if len(d.rx) == 0 {
			break
		}

		cmd, consumed, err := proto.DecodeCommand(d.rx, d.Mode)
		if errors.Is(err, proto.ErrShortFrame) {
			break
		}
		if err != nil {
			// Garbage outside a data phase; drop it like real firmware
			// waiting for the next sync pair.
			d.rx = nil
			break
		}
		d.rx = d.rx[consumed:]
		d.cmds = append(d.cmds, cmd)
		d.handle(cmd)
	}
	return len(p), nil
}

func (d *MockDevice) handle(cmd *proto.Command) {
	var replies []Reply
	if d.Respond != nil {
		replies = d.Respond(cmd)
	}
	if replies == nil {
		replies = d.defaultReplies(cmd)
	}

	if cmd.Opcode == proto.OpUpload && uploadAccepted(replies) {
		d.pending = int64(cmd.Words)
		d.setupCmd = cmd
	}

	for _, r := range replies {
		if r.AfterData && cmd.Opcode == proto.OpUpload {
			d.deferred = append(d.deferred, r)
			continue
		}
		d.emit(cmd, r)
	}
}

// uploadAccepted reports whether the scripted setup reply lets the device
// enter the data phase. A rejected or unanswered setup leaves the device
// waiting for commands, not data.
func uploadAccepted(replies []Reply) bool {
	for _, r := range replies {
		if r.AfterData {
			continue
		}
		return !r.Silent && r.Raw == nil && r.Status == 0
	}
	return true
}

func (d *MockDevice) defaultReplies(cmd *proto.Command) []Reply {
	switch {
	case cmd.Opcode == proto.OpVersion:
		return []Reply{{Status: 0x00010000}}
	case cmd.Opcode == proto.OpUpload:
		return []Reply{{}, {AfterData: true}}
	case cmd.Opcode == proto.OpStorage && proto.StorageOp(cmd.Words) == proto.StorageRead && d.Mode == proto.Host:
		count := make([]byte, 4)
		binary.LittleEndian.PutUint32(count, cmd.Addr)
		return []Reply{{Data: count}}
	default:
		return []Reply{{}}
	}
}

func (d *MockDevice) emit(cmd *proto.Command, r Reply) {
	if r.Silent {
		return
	}
	if r.Raw != nil {
		d.out.Write(r.Raw)
		return
	}
	op := r.Opcode
	if op == 0 && cmd != nil {
		op = cmd.Opcode
	}
	if r.Empty {
		d.out.Write(proto.EncodeCompletion(d.Mode, proto.ServiceBoot, op))
		return
	}
	d.out.Write(proto.EncodeResponse(d.Mode, proto.ServiceBoot, op, r.Status, r.Data))
}

func (d *MockDevice) read(p []byte) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if d.out.Len() == 0 {
		d.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n, _ := d.out.Read(p)
	d.mu.Unlock()
	return n, nil
}

type mockConn struct {
	dev *MockDevice
}

func (c *mockConn) Read(p []byte) (int, error)  { return c.dev.read(p) }
func (c *mockConn) Write(p []byte) (int, error) { return c.dev.feed(p) }

func (c *mockConn) Close() error {
	c.dev.mu.Lock()
	c.dev.closed = true
	c.dev.mu.Unlock()
	return nil
}

func (c *mockConn) ResetInput() error {
	c.dev.mu.Lock()
	c.dev.out.Reset()
	c.dev.mu.Unlock()
	return nil
}
