package main

import (
	"github.com/urfave/cli/v2"

	"github.com/synaboot/synaboot/discover"
	"github.com/synaboot/synaboot/terminal"
)

// cmdConsole attaches an interactive terminal to a board endpoint, most
// useful right after run-acore to watch the application cores boot.
func cmdConsole(c *cli.Context) error {
	log := newLogger(c)

	port := c.String("port")
	if port == "" {
		devs, err := discover.All()
		if err != nil {
			return exitErr(err)
		}
		serialNo := c.String("serial")
		for _, d := range devs {
			if serialNo != "" && d.Serial != serialNo {
				continue
			}
			port = d.Port
			break
		}
		if port == "" {
			return cli.Exit("no board endpoint to attach to", exitNotFound)
		}
	}

	ctx, cancel := signalContext(c)
	defer cancel()

	log.Info("attaching console, ^C detaches", "port", port)
	return exitErr(terminal.Attach(ctx, port, c.Int("baud")))
}
