package commands

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/dyluth/parley/internal/dispatcher"
	"github.com/dyluth/parley/internal/queue"
	"github.com/spf13/cobra"
)

var (
	serveAddr    string
	serveWorkers int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher",
	Long: `Run parley as a long-lived dispatcher.

The dispatcher pulls messages submitted with 'parley send --submit' or
'parley bulk --submit' from the shared outbox, delivers them through a
bounded worker pool and serves health and statistics over HTTP:

  GET /healthz   backend connectivity
  GET /stats     delivery counters for this process
  GET /history   recent delivery outcomes (?limit=N)
  GET /rules     routing tables

On SIGINT or SIGTERM it stops pulling, lets in-flight deliveries finish
and returns anything still queued to the outbox.

Requires the redis backend.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (default from server.addr)")
	serveCmd.Flags().IntVarP(&serveWorkers, "workers", "w", 0, "Delivery workers (default from queue.workers)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	p := printerFor(cmd)

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, p)
	if err != nil {
		return err
	}
	defer rt.close()

	store, err := rt.requireRedis("serve")
	if err != nil {
		return err
	}

	mgr, err := queue.NewManager(rt.engine, rt.cfg.Queue.Capacity)
	if err != nil {
		return fmt.Errorf("failed to create queue: %w", err)
	}
	defer mgr.Close()

	addr := rt.cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	workers := rt.cfg.Queue.Workers
	if serveWorkers > 0 {
		workers = serveWorkers
	}

	svc, err := dispatcher.NewService(store, mgr, rt.engine, store, dispatcher.Config{
		Workers: workers,
		Addr:    addr,
	}, rt.events)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	log.Printf("[Dispatcher] Instance '%s' with %d agent(s)", rt.cfg.Instance, len(rt.cfg.Agents))
	if err := svc.Run(ctx); err != nil {
		return p.ErrorWithContext("dispatcher failed", err.Error(),
			map[string]string{"addr": addr}, nil)
	}
	return nil
}
