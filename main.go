// Command synaboot provisions and flashes SoC boards over their USB CDC
// endpoints: it loads the SPK boot stack, starts the system manager and the
// application cores, and drives full eMMC or SPI flashing runs.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/synaboot/synaboot/boot"
	"github.com/synaboot/synaboot/common"
	"github.com/synaboot/synaboot/transport"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "synaboot",
		Usage:   "provision and flash SoC boards over USB CDC",
		Version: common.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "port",
				Usage: "serial port to use, bypassing device discovery",
			},
			&cli.StringFlag{
				Name:  "serial",
				Usage: "pick the board with this USB serial number",
			},
			&cli.IntFlag{
				Name:  "baud",
				Value: 230400,
				Usage: "serial baud rate",
			},
			&cli.DurationFlag{
				Name:  "wait",
				Value: boot.DefaultPortWait,
				Usage: "how long to wait for a board to enumerate",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: transport.DefaultTimeout,
				Usage: "per-command response deadline",
			},
			&cli.BoolFlag{
				Name:  "log-json",
				Usage: "emit JSON logs instead of text",
			},
			&cli.BoolFlag{
				Name:  "log-debug",
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "print all recognized boards",
				Action: cmdList,
			},
			{
				Name:   "run-spk",
				Usage:  "load the provisioning keys, SPK and M52 bootloader",
				Flags:  spkFlags(),
				Action: cmdRunSPK,
			},
			{
				Name:   "version-bl",
				Usage:  "report the M52 bootloader version",
				Flags:  spkFlags(),
				Action: cmdVersionBL,
			},
			{
				Name:   "run-sm",
				Usage:  "upload and start the system manager",
				Flags:  append(spkFlags(), smFlag()),
				Action: cmdRunSM,
			},
			{
				Name:   "version-sm",
				Usage:  "report the system manager version",
				Flags:  append(spkFlags(), smFlag()),
				Action: cmdVersionSM,
			},
			{
				Name:  "run-acore",
				Usage: "stage and execute the application-core bootloader and TZK",
				Flags: append(spkFlags(), smFlag(),
					&cli.StringFlag{Name: "bl", Usage: "application-core bootloader image"},
					&cli.StringFlag{Name: "tzk", Usage: "trusted zone kernel image"},
				),
				Action: cmdRunAcore,
			},
			{
				Name:  "emmc",
				Usage: "flash the eMMC from an image directory",
				Flags: append(spkFlags(), smFlag(), imgDirFlag(),
					&cli.BoolFlag{Name: "all", Usage: "flash every discovered board in parallel"},
				),
				Action: cmdEmmc,
			},
			{
				Name:  "emmc-sm",
				Usage: "rewrite only the system manager partition",
				Flags: append(spkFlags(), smFlag(),
					&cli.StringFlag{Name: "sm-image", Usage: "system manager image to write"},
				),
				Action: cmdEmmcSM,
			},
			{
				Name:   "spi",
				Usage:  "write the whole-flash SPI image from an image directory",
				Flags:  append(spkFlags(), smFlag(), imgDirFlag()),
				Action: cmdSpi,
			},
			{
				Name:   "console",
				Usage:  "attach an interactive terminal to a board endpoint",
				Action: cmdConsole,
			},
		},
	}
}

func spkFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "keys", Value: "key.bin", Usage: "provisioning keys blob"},
		&cli.StringFlag{Name: "spk", Value: "spk.bin", Usage: "secure provisioning kernel image"},
		&cli.StringFlag{Name: "m52bl", Value: "m52bl.bin", Usage: "M52 second-stage bootloader image"},
	}
}

func smFlag() cli.Flag {
	return &cli.StringFlag{Name: "sm", Usage: "system manager image"}
}

func imgDirFlag() cli.Flag {
	return &cli.StringFlag{Name: "img-dir", Usage: "directory holding the manifests and images"}
}
