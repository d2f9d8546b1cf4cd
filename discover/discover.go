// Package discover locates boards over their USB CDC endpoints. A board
// shows up under different VID/PID pairs depending on what is running on
// it: the boot ROM exposes the raw-framed boot endpoint, a booted system
// manager exposes the host API endpoint.
package discover

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/albenik/go-serial/v2/enumerator"
)

// Class names the protocol endpoint a port belongs to.
type Class int

const (
	// ClassBoot is the ROM/bootloader endpoint speaking raw frames.
	ClassBoot Class = iota
	// ClassHost is the system manager endpoint speaking host API frames.
	ClassHost
)

func (c Class) String() string {
	switch c {
	case ClassBoot:
		return "boot"
	case ClassHost:
		return "host"
	}
	return fmt.Sprintf("Class(%d)", int(c))
}

// endpoint maps a VID/PID pair to its protocol class.
type endpoint struct {
	vid, pid string
	class    Class
	board    string
}

var endpoints = []endpoint{
	{"06CB", "019E", ClassBoot, "vs640"},
	{"06CB", "01A6", ClassBoot, "vs680"},
	{"CAFE", "4002", ClassHost, ""},
}

// listPorts is swapped out in tests.
var listPorts = enumerator.GetDetailedPortsList

// Device is one recognized board endpoint.
type Device struct {
	Port   string // serial port the endpoint is reachable on
	VID    string
	PID    string
	Serial string // USB serial number, empty when the ROM reports none
	Class  Class
	Board  string // chip family for boot endpoints, empty for host
}

func (d Device) String() string {
	if d.Serial == "" {
		return fmt.Sprintf("%s (%s)", d.Port, d.Class)
	}
	return fmt.Sprintf("%s (%s, serial %s)", d.Port, d.Class, d.Serial)
}

// ErrNotFound reports that no matching device is connected.
var ErrNotFound = errors.New("device not found")

// NotFoundError carries what was being looked for.
type NotFoundError struct {
	Class  Class
	Port   string
	Serial string
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("no %s device found", e.Class)
	if e.Port != "" {
		msg += " on " + e.Port
	}
	if e.Serial != "" {
		msg += " with serial " + e.Serial
	}
	return msg
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// All returns every recognized board endpoint currently connected, in
// enumeration order.
func All() ([]Device, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}

	var found []Device
	for _, port := range ports {
		if !port.IsUSB {
			continue
		}
		for _, ep := range endpoints {
			if strings.EqualFold(port.VID, ep.vid) && strings.EqualFold(port.PID, ep.pid) {
				found = append(found, Device{
					Port:   port.Name,
					VID:    ep.vid,
					PID:    ep.pid,
					Serial: port.SerialNumber,
					Class:  ep.class,
					Board:  ep.board,
				})
				break
			}
		}
	}
	return found, nil
}

// FindOptions narrows and extends a Find.
type FindOptions struct {
	// Port pins the search to one serial port, bypassing enumeration
	// entirely. The port is used as the requested class; a wrong pick
	// surfaces as a transport error, not here.
	Port string

	// Serial selects among multiple connected boards by USB serial number.
	Serial string

	// Wait keeps rescanning for up to this duration before giving up,
	// covering the gap while a rebooting board re-enumerates. Zero means a
	// single scan.
	Wait time.Duration

	// Poll is the rescan interval, default 500ms.
	Poll time.Duration
}

// Find returns the first connected device of the given class matching opts.
// With a wait budget it polls until a device appears, the budget runs out,
// or ctx is cancelled.
func Find(ctx context.Context, class Class, opts FindOptions) (*Device, error) {
	if opts.Port != "" {
		return &Device{Port: opts.Port, Class: class}, nil
	}

	poll := opts.Poll
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}

	deadline := time.Now().Add(opts.Wait)
	for {
		devs, err := All()
		if err != nil {
			return nil, err
		}
		for _, d := range devs {
			if d.Class != class {
				continue
			}
			if opts.Serial != "" && d.Serial != opts.Serial {
				continue
			}
			return &d, nil
		}

		if opts.Wait <= 0 || time.Now().After(deadline) {
			return nil, &NotFoundError{Class: class, Port: opts.Port, Serial: opts.Serial}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}
