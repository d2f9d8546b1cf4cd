package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/synaboot/synaboot/transport"
)

// newProgress returns a stderr transfer bar, or nil when logs are meant to
// stay machine readable.
func newProgress(c *cli.Context) transport.Progress {
	if c.Bool("log-json") {
		return nil
	}
	return progressBar(os.Stderr)
}

// progressBar renders one line per transfer, redrawn in place and finished
// with a newline.
func progressBar(w io.Writer) transport.Progress {
	const width = 40
	filled := -1
	return func(sent, total int64) {
		if total <= 0 {
			return
		}
		f := int(int64(width) * sent / total)
		if f == filled && sent < total {
			return
		}
		filled = f
		fmt.Fprintf(w, "\r[%s%s] %3d%%",
			strings.Repeat("#", f), strings.Repeat(".", width-f), sent*100/total)
		if sent >= total {
			fmt.Fprintln(w)
			filled = -1
		}
	}
}
