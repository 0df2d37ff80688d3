package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/ByteRelay/config"
	"github.com/jaywantadh/ByteRelay/internal/app"
	"github.com/jaywantadh/ByteRelay/internal/engine"
	"github.com/jaywantadh/ByteRelay/internal/transfer"
	"github.com/jaywantadh/ByteRelay/pkg/env"
	"github.com/jaywantadh/ByteRelay/pkg/logging"
)

func main() {
	env.LoadEnv()

	cliApp := &cli.App{
		Name:  "byterelay",
		Usage: "Send and receive files over TCP or UDP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: ".", Usage: "directory holding config.yaml"},
			&cli.StringFlag{Name: "status-addr", Usage: "serve the HTTP status API on this address"},
		},
		Commands: []*cli.Command{
			{
				Name:      "send",
				Aliases:   []string{"s"},
				Usage:     "Send a file to a receiver",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "to", Aliases: []string{"t"}, Required: true, Usage: "receiver host or host:port"},
					&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "receiver port (default from config)"},
					&cli.StringFlag{Name: "protocol", Value: "tcp", Usage: "tcp (reliable) or udp (best-effort)"},
					&cli.IntFlag{Name: "chunk-size", Usage: "bytes per chunk (default from config)"},
					&cli.DurationFlag{Name: "timeout", Usage: "per-operation timeout (default from config)"},
					&cli.StringFlag{Name: "name", Usage: "file name announced to the receiver"},
				},
				Action: withApp(send),
			},
			{
				Name:    "receive",
				Aliases: []string{"r"},
				Usage:   "Wait for one incoming file",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "port to listen on (default from config)"},
					&cli.StringFlag{Name: "protocol", Value: "tcp", Usage: "tcp (reliable) or udp (best-effort)"},
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output directory (default from config)"},
				},
				Action: withApp(receive),
			},
			{
				Name:  "history",
				Usage: "List finished transfers",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 20, Usage: "number of records to show, 0 for all"},
					&cli.DurationFlag{Name: "prune", Usage: "delete records older than this first"},
				},
				Action: withApp(showHistory),
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		logging.Component("cli").Fatal(err)
	}
}

func withApp(action func(*cli.Context, *app.App) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := config.LoadConfig(c.String("config"))
		if err != nil {
			return err
		}
		if addr := c.String("status-addr"); addr != "" {
			cfg.StatusAddr = addr
		}
		a, err := app.New(cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()
		return action(c, a)
	}
}

func send(c *cli.Context, a *app.App) error {
	if c.NArg() != 1 {
		return cli.Exit("send needs exactly one FILE argument", 2)
	}
	path := c.Args().First()

	protocol, err := transfer.ParseProtocol(c.String("protocol"))
	if err != nil {
		return err
	}
	port := c.Int("port")
	if port == 0 {
		port = a.Config.Port
	}
	chunk := c.Int("chunk-size")
	if chunk == 0 {
		chunk = a.Config.ChunkSize
		if protocol == transfer.ProtocolBestEffort {
			chunk = a.Config.UDPChunkSize
		}
	}
	timeout := c.Duration("timeout")
	if timeout == 0 {
		timeout = a.Config.Timeout
	}

	to := c.String("to")
	cfg, err := transfer.NewConfig(transfer.ModeTransmitter, protocol, hostOf(to), port, c.String("name"), chunk, timeout)
	if err != nil {
		return err
	}
	if _, err := a.ServeStatus(); err != nil {
		return err
	}
	o := a.Orchestrator()
	id, err := o.StartFileTransfer(cfg, path, to)
	if err != nil {
		return err
	}
	return follow(o, id)
}

func receive(c *cli.Context, a *app.App) error {
	protocol, err := transfer.ParseProtocol(c.String("protocol"))
	if err != nil {
		return err
	}
	port := c.Int("port")
	if port == 0 {
		port = a.Config.Port
	}
	output := c.String("output")
	if output == "" {
		output = a.Config.OutputDir
	}

	if _, err := a.ServeStatus(); err != nil {
		return err
	}
	o := a.Orchestrator()
	id, err := o.StartFileReceiver(port, protocol, output)
	if err != nil {
		return err
	}
	return follow(o, id)
}

// follow waits for a session to finish, cancelling it on SIGINT or SIGTERM.
func follow(o *engine.Orchestrator, id string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := o.Wait(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			return err
		}
		o.CancelTransfer(id, "interrupted")
		if s, err = o.Wait(context.Background(), id); err != nil {
			return err
		}
	}

	switch s.Status {
	case transfer.StatusCompleted:
		if s.Result != nil && s.Result.Path != "" {
			fmt.Printf("%s  %s  %s\n", filepath.Base(s.Result.Path), humanize.IBytes(s.Result.BytesTransferred), s.Result.Checksum)
		}
		return nil
	case transfer.StatusCancelled:
		return cli.Exit("transfer cancelled: "+s.Cancel.Reason(), 130)
	default:
		return cli.Exit(fmt.Sprintf("transfer failed: %v", s.Err), 1)
	}
}

func showHistory(c *cli.Context, a *app.App) error {
	if a.History == nil {
		return cli.Exit("history is disabled (history_path is empty)", 1)
	}
	if age := c.Duration("prune"); age > 0 {
		removed, err := a.History.Prune(time.Now().Add(-age))
		if err != nil {
			return err
		}
		logging.Component("cli").WithField("removed", removed).Info("pruned history")
	}

	recs, err := a.History.List(c.Int("limit"))
	if err != nil {
		return err
	}
	for _, r := range recs {
		line := fmt.Sprintf("%s  %-9s %-4s %-11s %10s  %s",
			r.FinishedAt.Format(time.DateTime), r.Status, r.Protocol, r.Mode, humanize.IBytes(r.Bytes), r.File)
		if r.Error != "" {
			line += "  (" + r.Error + ")"
		}
		fmt.Println(line)
	}
	return nil
}

// hostOf strips a port from a host:port target.
func hostOf(target string) string {
	if h, _, err := net.SplitHostPort(target); err == nil {
		return h
	}
	return target
}
