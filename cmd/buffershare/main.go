package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/BufferShare/config"
	"github.com/jaywantadh/BufferShare/internal/metadata"
	"github.com/jaywantadh/BufferShare/pkg/env"
	"github.com/jaywantadh/BufferShare/pkg/httpserver"
	"github.com/jaywantadh/BufferShare/pkg/logging"
)

var version = "0.1.0"

func main() {
	app := &cli.App{
		Name:  "buffershare",
		Usage: "Move buffers between peers over a chunked, flow-controlled transfer",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: ".", Usage: "directory holding config.yaml"},
			&cli.StringFlag{Name: "env-file", Usage: "dotenv file to load before reading config"},
			&cli.BoolFlag{Name: "debug", Usage: "verbose text logging"},
		},
		Before: func(c *cli.Context) error {
			if f := c.String("env-file"); f != "" {
				env.LoadEnv(f)
			} else {
				env.LoadEnv()
			}
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			if c.Bool("debug") {
				cfg.Debug = true
			}
			logging.InitLogger(cfg.Debug)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:    "serve",
				Aliases: []string{"s"},
				Usage:   "Run a node that accepts offered transfers",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "listen", Usage: "TCP address for peers"},
					&cli.StringFlag{Name: "http", Usage: "status API address, empty string disables"},
				},
				Action: serve,
			},
			{
				Name:  "send",
				Usage: "Send a file to a serving peer",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "peer", Required: true, Usage: "peer TCP address"},
					&cli.StringFlag{Name: "file", Required: true, Usage: "file to send"},
					&cli.StringFlag{Name: "id", Usage: "transfer id, defaults to the content hash"},
				},
				Action: send,
			},
			{
				Name:   "journal",
				Usage:  "Print the transfer journal",
				Action: journal,
			},
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(c *cli.Context) error {
					fmt.Println("buffershare", version)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Log.Fatal(err)
	}
}

func serve(c *cli.Context) error {
	cfg := config.Config
	if addr := c.String("listen"); addr != "" {
		cfg.ListenAddr = addr
	}
	if c.IsSet("http") {
		cfg.HTTPAddr = c.String("http")
	}

	n, err := openNode(cfg, nodeOptions{serve: true, journal: true})
	if err != nil {
		return err
	}
	defer n.close()

	log := logging.ForNode(cfg.NodeID)
	n.manager.OnReceived(func(id string, data []byte) {
		log.WithField("transfer_id", id).Infof("received %s", humanize.IBytes(uint64(len(data))))
	})
	if err := n.link.Listen(cfg.ListenAddr); err != nil {
		return err
	}

	var status *httpserver.Server
	if cfg.HTTPAddr != "" {
		status = httpserver.New(httpserver.Options{
			Progress: n.manager.Tracker(),
			Journal:  n.journal,
			Canceler: n.manager,
			Peers:    n.peers,
			Gatherer: n.registry,
			Log:      logging.Log,
		})
		if _, err := status.Start(cfg.HTTPAddr); err != nil {
			return err
		}
	}
	log.WithField("listen", cfg.ListenAddr).Info("node started")

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	if status != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		status.Shutdown(shutdownCtx)
	}
	return nil
}

func send(c *cli.Context) error {
	cfg := config.Config
	data, err := os.ReadFile(c.String("file"))
	if err != nil {
		return err
	}

	n, err := openNode(cfg, nodeOptions{journal: true})
	if err != nil {
		return err
	}
	defer n.close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	peer, err := n.link.Connect(ctx, c.String("peer"))
	if err != nil {
		return err
	}
	id, err := n.manager.SendNamed(ctx, peer, filepath.Base(c.String("file")), data, c.String("id"))
	if err != nil {
		return err
	}
	fmt.Printf("sending %s (%s) to %s as %s\n", c.String("file"), humanize.IBytes(uint64(len(data))), peer, id)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n.manager.Tracker().PrintProgress(os.Stdout, id)
			case <-done:
				return
			}
		}
	}()

	res, err := n.manager.Wait(ctx, id)
	close(done)
	if err != nil {
		n.manager.Cancel(id)
		return err
	}
	if !res.OK() {
		return fmt.Errorf("transfer %s: %s: %v", id, res.Outcome, res.Err)
	}
	fmt.Printf("sent %d segments, %s\n", res.Segments, humanize.IBytes(uint64(res.Bytes)))
	return nil
}

func journal(c *cli.Context) error {
	store, err := metadata.Open(config.Config.JournalPath)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("journal is empty")
		return nil
	}
	printRecords(os.Stdout, records)
	return nil
}

func printRecords(out io.Writer, records []metadata.TransferRecord) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tROLE\tSTATUS\tPEER\tSIZE\tNAME\tID")
	for _, r := range records {
		name := r.Name
		if name == "" {
			name = "-"
		}
		status := r.Status
		if r.Error != "" {
			status += " (" + strings.TrimSpace(r.Error) + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(r.StartedAt), r.Role, status, r.Peer,
			humanize.IBytes(uint64(r.Size)), name, r.ID)
	}
	w.Flush()
}
