package boot

import "fmt"

// Stage tracks how far a board has been brought up within one session.
// Stages only move forward, except the two flashing excursions which return
// to the stage they started from.
type Stage int

const (
	Idle Stage = iota
	SpkLoaded
	BootloaderRunning
	SmRunning
	AcoreRunning
	EmmcFlashing
	SpiFlashing
)

func (s Stage) String() string {
	switch s {
	case Idle:
		return "idle"
	case SpkLoaded:
		return "spk-loaded"
	case BootloaderRunning:
		return "bootloader-running"
	case SmRunning:
		return "sm-running"
	case AcoreRunning:
		return "acore-running"
	case EmmcFlashing:
		return "emmc-flashing"
	case SpiFlashing:
		return "spi-flashing"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}
