package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pivaldi/nearchat/internal/console"
	"github.com/pivaldi/nearchat/internal/logger"
	"github.com/pivaldi/nearchat/internal/node"
)

var (
	headless    bool
	listenPort  int
	metricsAddr string
)

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&headless, "headless", false, "run without the terminal UI")
	cmd.Flags().IntVar(&listenPort, "port", -1, "TCP listen port (0 picks one)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics, /healthz and /state on this address")
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the local chat",
		RunE:  runChat,
	}
	addRunFlags(cmd)
	return cmd
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenPort >= 0 {
		cfg.ListenPort = listenPort
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// The terminal UI owns stdout, so logs go to a file unless headless.
	logPath := cfg.LogFile
	if logPath == "" && !headless {
		logPath = filepath.Join(cfg.DataDir, "nearchat.log")
	}
	log, closer, err := logger.NewLogger(cfg.LogLevel, logPath)
	if err != nil {
		return err
	}
	defer closer.Close()

	n, err := node.New(cfg, log)
	if err != nil {
		return err
	}
	defer n.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.Run(ctx)
	})

	if headless {
		fmt.Printf("PeerID: %s\n", n.PeerID())
		fmt.Println("Running headless, press Ctrl-C to stop")
	} else {
		ui, err := console.New(nil, n.Manager(), log)
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			// Leaving the UI stops the node.
			defer cancel()
			return ui.Run(ctx)
		})
	}

	return g.Wait()
}
