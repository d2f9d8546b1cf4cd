package transport

import (
	"io"

	"github.com/albenik/go-serial/v2"
)

// pollTimeoutMs bounds one blocking serial read so the receive loop can
// notice a closed transport between frames.
const pollTimeoutMs = 50

// Conn is the byte stream a Transport drives. Read follows the serial port
// convention of returning n == 0 with a nil error when the poll timeout
// elapses with no data buffered.
type Conn interface {
	io.ReadWriteCloser

	// ResetInput discards unread bytes buffered on the line.
	ResetInput() error
}

type serialConn struct {
	port *serial.Port
}

func (c *serialConn) Read(p []byte) (int, error)  { return c.port.Read(p) }
func (c *serialConn) Write(p []byte) (int, error) { return c.port.Write(p) }
func (c *serialConn) Close() error                { return c.port.Close() }
func (c *serialConn) ResetInput() error           { return c.port.ResetInputBuffer() }

// DialSerial opens the CDC serial port of a board endpoint with the framing
// parameters the device expects.
func DialSerial(port string, baud int) (Conn, error) {
	p, err := serial.Open(
		port,
		serial.WithBaudrate(baud),
		serial.WithDataBits(8),
		serial.WithParity(serial.NoParity),
		serial.WithStopBits(serial.OneStopBit),
		serial.WithHUPCL(true),
		serial.WithReadTimeout(pollTimeoutMs),
	)
	if err != nil {
		return nil, err
	}
	return &serialConn{port: p}, nil
}
