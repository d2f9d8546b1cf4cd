// Package terminal bridges the operator's console to a board's CDC
// endpoint. Once the application cores are handed control their serial
// chatter is the only window into the board, so attaching a terminal is
// how an operator watches them come up.
package terminal

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/synaboot/synaboot/transport"
)

// Attach opens the CDC endpoint on port and mirrors it to the console
// until ctx is cancelled or the operator closes stdin. Board output is
// copied to stdout as it arrives; operator input is fed to the board
// unmodified.
func Attach(ctx context.Context, port string, baud int) error {
	conn, err := transport.DialSerial(port, baud)
	if err != nil {
		return err
	}
	defer conn.Close()

	errc := make(chan error, 2)
	go func() { errc <- drainBoard(conn, os.Stdout) }()
	go func() { errc <- feedBoard(os.Stdin, conn) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

// drainBoard copies board output to w. A zero-length read is the serial
// poll timeout expiring with nothing buffered, not end of stream.
func drainBoard(conn io.Reader, w io.Writer) error {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
}

// feedBoard forwards operator input to the board. EOF is the operator
// closing the console, a clean detach rather than a failure.
func feedBoard(r io.Reader, conn io.Writer) error {
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
