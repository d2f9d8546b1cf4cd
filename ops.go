package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/synaboot/synaboot/boot"
	"github.com/synaboot/synaboot/common"
	"github.com/synaboot/synaboot/discover"
	"github.com/synaboot/synaboot/flash"
	"github.com/synaboot/synaboot/proto"
	"github.com/synaboot/synaboot/transport"
)

// Exit codes, stable for scripting.
const (
	exitFailure   = 1 // operation failed: precondition, cancel, device status
	exitArgument  = 2 // missing or unusable file argument
	exitNotFound  = 3 // no matching device
	exitTransport = 4 // timeout or corrupted frames outside a flash run
	exitFlash     = 5 // manifest, upload or verify failure
)

func cmdRunSPK(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, s *boot.Session) error {
		return s.RunSPK(ctx)
	})
}

func cmdVersionBL(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, s *boot.Session) error {
		v, err := s.VersionBL(ctx)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	})
}

func cmdRunSM(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, s *boot.Session) error {
		return s.RunSM(ctx)
	})
}

func cmdVersionSM(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, s *boot.Session) error {
		v, err := s.VersionSM(ctx)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	})
}

func cmdRunAcore(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, s *boot.Session) error {
		return s.RunAcore(ctx)
	})
}

func cmdEmmc(c *cli.Context) error {
	dir := c.String("img-dir")
	if c.Bool("all") {
		return cmdEmmcAll(c, dir)
	}
	return withSession(c, func(ctx context.Context, s *boot.Session) error {
		return s.Emmc(ctx, dir)
	})
}

func cmdEmmcSM(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, s *boot.Session) error {
		return s.EmmcSM(ctx, c.String("sm-image"))
	})
}

func cmdSpi(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, s *boot.Session) error {
		return s.Spi(ctx, c.String("img-dir"))
	})
}

func cmdList(c *cli.Context) error {
	devs, err := discover.All()
	if err != nil {
		return exitErr(err)
	}
	if len(devs) == 0 {
		fmt.Println("no boards found")
		return nil
	}
	for _, d := range devs {
		fmt.Println(d.String())
	}
	return nil
}

// cmdEmmcAll flashes every discovered board in parallel, one independent
// session per USB serial number. A failing board does not stop the others.
func cmdEmmcAll(c *cli.Context, dir string) error {
	if c.String("port") != "" {
		return cli.Exit("--port cannot be combined with --all", exitArgument)
	}
	log := newLogger(c)

	devs, err := discover.All()
	if err != nil {
		return exitErr(err)
	}
	seen := make(map[string]bool)
	var targets []discover.Device
	for _, d := range devs {
		if d.Serial == "" {
			log.Warn("skipping board without a serial number", "port", d.Port)
			continue
		}
		if seen[d.Serial] {
			continue
		}
		seen[d.Serial] = true
		targets = append(targets, d)
	}
	if len(targets) == 0 {
		return cli.Exit("no boards with serial numbers found", exitNotFound)
	}

	ctx, cancel := signalContext(c)
	defer cancel()

	var g errgroup.Group
	for _, d := range targets {
		blog := log.With("board", d.Serial)
		s := boot.New(newDialer(c, blog, d.Serial), imagesFromFlags(c),
			boot.WithLogger(blog),
			boot.WithPortWait(c.Duration("wait")),
		)
		g.Go(func() error {
			defer s.Close()
			if err := s.Emmc(ctx, dir); err != nil {
				blog.Error("flash failed", "err", err)
				return err
			}
			blog.Info("flash complete")
			return nil
		})
	}
	return exitErr(g.Wait())
}

// withSession runs fn against a fresh single-board session, cancelling it on
// SIGINT or SIGTERM.
func withSession(c *cli.Context, fn func(context.Context, *boot.Session) error) error {
	log := newLogger(c)
	s := boot.New(newDialer(c, log, c.String("serial")), imagesFromFlags(c),
		boot.WithLogger(log),
		boot.WithPortWait(c.Duration("wait")),
		boot.WithProgress(newProgress(c)),
	)
	defer s.Close()

	ctx, cancel := signalContext(c)
	defer cancel()
	return exitErr(fn(ctx, s))
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

func newLogger(c *cli.Context) *slog.Logger {
	return common.SetupLogger(&common.LoggingOpts{
		Service: "synaboot",
		JSON:    c.Bool("log-json"),
		Debug:   c.Bool("log-debug"),
		Version: common.Version,
	})
}

// newDialer builds the session's device opener from the global flags. A
// pinned --port is handed to discovery as-is and skips enumeration.
func newDialer(c *cli.Context, log *slog.Logger, serialNo string) boot.DialFunc {
	port := c.String("port")
	baud := c.Int("baud")
	timeout := c.Duration("timeout")

	return func(ctx context.Context, class discover.Class, wait time.Duration) (*transport.Transport, *discover.Device, error) {
		dev, err := discover.Find(ctx, class, discover.FindOptions{
			Port:   port,
			Serial: serialNo,
			Wait:   wait,
		})
		if err != nil {
			return nil, nil, err
		}
		mode := proto.Raw
		if class == discover.ClassHost {
			mode = proto.Host
		}
		tr, err := transport.Open(dev.Port, baud,
			transport.WithMode(mode),
			transport.WithTimeout(timeout),
			transport.WithLogger(log),
		)
		if err != nil {
			return nil, nil, err
		}
		return tr, dev, nil
	}
}

func imagesFromFlags(c *cli.Context) boot.Images {
	return boot.Images{
		Keys:  c.String("keys"),
		SPK:   c.String("spk"),
		M52BL: c.String("m52bl"),
		SM:    c.String("sm"),
		BL:    c.String("bl"),
		TZK:   c.String("tzk"),
	}
}

func exitErr(err error) error {
	if err == nil {
		return nil
	}
	return cli.Exit(err.Error(), exitCode(err))
}

// exitCode maps a failure to its exit code. Flash failures win over the
// transport kinds because a flash step that timed out is still a flashing
// failure.
func exitCode(err error) int {
	switch {
	case errors.Is(err, boot.ErrMissingArgument):
		return exitArgument
	case errors.Is(err, discover.ErrNotFound):
		return exitNotFound
	case isFlashFailure(err):
		return exitFlash
	case errors.Is(err, transport.ErrTimeout), errors.Is(err, transport.ErrCorruption):
		return exitTransport
	default:
		return exitFailure
	}
}

func isFlashFailure(err error) bool {
	if errors.Is(err, flash.ErrManifest) || errors.Is(err, flash.ErrVerify) {
		return true
	}
	var (
		fe *flash.FlashError
		ue *transport.UploadError
	)
	return errors.As(err, &fe) || errors.As(err, &ue)
}
