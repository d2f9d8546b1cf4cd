// Package transport exchanges framed commands and responses with one board
// endpoint over a serial connection. A Transport owns its Conn exclusively:
// requests are serialized so at most one is in flight, responses are matched
// to the waiting request by opcode, and timed-out sends are retried with
// exponential backoff. Corrupt frames are never retried; the data on the
// line is untrustworthy rather than late.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"

	"github.com/synaboot/synaboot/proto"
)

var (
	// ErrTimeout reports that no response arrived within the deadline,
	// after exhausting the configured retries.
	ErrTimeout = errors.New("response timeout")

	// ErrCorruption reports sync or checksum violations on received data.
	ErrCorruption = errors.New("response corrupted")

	// ErrClosed reports use of a closed transport.
	ErrClosed = errors.New("transport closed")
)

// TimeoutError carries the opcode and send attempts of an exhausted request.
type TimeoutError struct {
	Opcode   byte
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no response to opcode 0x%02X after %d attempts", e.Opcode, e.Attempts)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// Request defaults.
const (
	DefaultTimeout       = 2 * time.Second
	DefaultRetries       = 3
	DefaultRetryInterval = 250 * time.Millisecond
)

// Transport is a framed request/response channel over one serial endpoint.
// It is safe for concurrent use, though sessions are expected to issue
// requests strictly sequentially.
type Transport struct {
	conn Conn
	mode proto.Mode
	log  *slog.Logger

	timeout       time.Duration
	retries       uint64
	retryInterval time.Duration

	// mu serializes requests so at most one is in flight.
	mu sync.Mutex

	waiterMu sync.Mutex
	waiter   *waiter

	closed atomic.Bool
	done   chan struct{}
}

// waiter is the single receive slot of the in-flight request. The channel is
// buffered so the receive loop never blocks on a slow waiter; extra frames
// are examined and skipped by the waiting side.
type waiter struct {
	ch chan result
}

type result struct {
	resp *proto.Response
	err  error
}

// Option configures a Transport.
type Option func(*Transport)

// WithMode selects the frame envelope, proto.Raw by default.
func WithMode(m proto.Mode) Option {
	return func(t *Transport) { t.mode = m }
}

// WithLogger attaches a logger; the default discards records.
func WithLogger(log *slog.Logger) Option {
	return func(t *Transport) { t.log = log }
}

// WithTimeout sets the default per-attempt response deadline.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) { t.timeout = d }
}

// WithRetries sets how many times a timed-out request is resent.
func WithRetries(n uint64) Option {
	return func(t *Transport) { t.retries = n }
}

// WithRetryInterval sets the initial backoff between resends.
func WithRetryInterval(d time.Duration) Option {
	return func(t *Transport) { t.retryInterval = d }
}

// New starts a transport over an open Conn. The transport assumes ownership
// of the connection and closes it on Close.
func New(conn Conn, opts ...Option) *Transport {
	t := &Transport{
		conn:          conn,
		mode:          proto.Raw,
		log:           slog.New(slog.DiscardHandler),
		timeout:       DefaultTimeout,
		retries:       DefaultRetries,
		retryInterval: DefaultRetryInterval,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.readLoop()
	return t
}

// Open dials the serial port and starts a transport on it.
func Open(port string, baud int, opts ...Option) (*Transport, error) {
	conn, err := DialSerial(port, baud)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}

// Mode returns the frame envelope this transport speaks.
func (t *Transport) Mode() proto.Mode { return t.mode }

// Close shuts the transport down and closes the connection. Safe to call
// more than once.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.conn.Close()
	<-t.done
	return err
}

// Reset discards unread input buffered on the line.
func (t *Transport) Reset() error { return t.conn.ResetInput() }

// readLoop accumulates serial input and delivers decoded frames to the
// current waiter. Frames arriving with no request in flight are dropped:
// they are late responses to requests that already timed out.
func (t *Transport) readLoop() {
	defer close(t.done)

	var buf []byte
	tmp := make([]byte, 4096)
	for {
		n, err := t.conn.Read(tmp)
		if t.closed.Load() {
			return
		}
		if err != nil {
			t.deliver(result{err: fmt.Errorf("serial read: %w", err)})
			return
		}
		if n == 0 {
			continue
		}
		buf = append(buf, tmp[:n]...)

		for len(buf) > 0 {
			resp, consumed, err := proto.DecodeResponse(buf, t.mode)
			if errors.Is(err, proto.ErrShortFrame) {
				break
			}
			if err != nil {
				t.log.Debug("corrupt input", "err", err, "buffered", len(buf))
				buf = buf[:0]
				t.deliver(result{err: fmt.Errorf("%w: %v", ErrCorruption, err)})
				break
			}
			buf = buf[consumed:]
			t.deliver(result{resp: resp})
		}
	}
}

func (t *Transport) deliver(r result) {
	t.waiterMu.Lock()
	w := t.waiter
	t.waiterMu.Unlock()

	if w == nil {
		if r.resp != nil {
			t.log.Debug("dropping unsolicited response", "opcode", r.resp.Opcode)
		}
		return
	}
	select {
	case w.ch <- r:
	default:
		t.log.Debug("waiter queue full, dropping frame")
	}
}

func (t *Transport) install() *waiter {
	w := &waiter{ch: make(chan result, 4)}
	t.waiterMu.Lock()
	t.waiter = w
	t.waiterMu.Unlock()
	return w
}

func (t *Transport) clear(w *waiter) {
	t.waiterMu.Lock()
	if t.waiter == w {
		t.waiter = nil
	}
	t.waiterMu.Unlock()
}

// ReqOption adjusts a single request.
type ReqOption func(*reqOptions)

type reqOptions struct {
	timeout  time.Duration
	attempts uint64
	noReply  bool
}

// Timeout overrides the response deadline for this request.
func Timeout(d time.Duration) ReqOption {
	return func(o *reqOptions) { o.timeout = d }
}

// Attempts sets the total number of send attempts for this request,
// overriding the transport's retry configuration.
func Attempts(n uint64) ReqOption {
	return func(o *reqOptions) {
		if n > 0 {
			o.attempts = n
		}
	}
}

// NoReply marks a request whose response may legitimately never come, such
// as a jump command the device answers by booting. The request is sent once
// and a missing response yields a nil response instead of ErrTimeout.
func NoReply() ReqOption {
	return func(o *reqOptions) { o.noReply = true }
}

// RoundTrip sends the command and waits for its response. Timed-out sends
// are retried with exponential backoff up to the attempt budget; corrupt
// responses fail immediately. The response status word is not interpreted
// here, callers check Response.Err or read the word directly.
func (t *Transport) RoundTrip(ctx context.Context, cmd *proto.Command, opts ...ReqOption) (*proto.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.roundTripLocked(ctx, cmd, opts...)
}

func (t *Transport) roundTripLocked(ctx context.Context, cmd *proto.Command, opts ...ReqOption) (*proto.Response, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	o := reqOptions{timeout: t.timeout, attempts: t.retries + 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.noReply {
		o.attempts = 1
	}

	frame := cmd.Encode(t.mode)
	var resp *proto.Response
	attempts := 0

	operation := func() error {
		attempts++
		r, err := t.exchange(ctx, frame, cmd.Opcode, o.timeout, o.noReply)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				t.log.Debug("response timeout", "opcode", cmd.Opcode, "attempt", attempts)
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.retryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, o.attempts-1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if errors.Is(err, ErrTimeout) {
			return nil, &TimeoutError{Opcode: cmd.Opcode, Attempts: attempts}
		}
		return nil, err
	}
	return resp, nil
}

// exchange performs one send attempt and waits for the correlated response.
func (t *Transport) exchange(ctx context.Context, frame []byte, opcode byte, timeout time.Duration, noReply bool) (*proto.Response, error) {
	w := t.install()
	defer t.clear(w)

	if _, err := t.conn.Write(frame); err != nil {
		return nil, fmt.Errorf("serial write: %w", err)
	}
	return t.awaitResponse(ctx, w, opcode, timeout, noReply)
}

// awaitResponse blocks on an installed waiter until the response correlated
// to opcode arrives or the deadline passes. Responses whose opcode does not
// echo the request are skipped and the wait continues; they belong to an
// earlier, abandoned exchange on this line. The caller owns clearing w.
func (t *Transport) awaitResponse(ctx context.Context, w *waiter, opcode byte, timeout time.Duration, noReply bool) (*proto.Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-w.ch:
			if r.err != nil {
				return nil, r.err
			}
			if r.resp.Opcode != opcode {
				t.log.Debug("skipping uncorrelated response", "got", r.resp.Opcode, "want", opcode)
				continue
			}
			return r.resp, nil
		case <-timer.C:
			if noReply {
				return nil, nil
			}
			return nil, ErrTimeout
		}
	}
}
