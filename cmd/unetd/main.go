package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ustack/pkg/config"
	"ustack/pkg/device"
	"ustack/pkg/engine"
	"ustack/pkg/log"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "unetd",
		Short: "userspace TCP/IP node over a UDP frame overlay",
		Long: `unetd runs one network stack instance: an Ethernet-framed link over
UDP, ARP, IPv4 with ICMP echo and UDP, and TCP with an interactive
socket REPL on stdin.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to TOML config file (required)")
	cmd.MarkFlagRequired("config")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := log.New(os.Stderr, cfg.LogLevel)

	dev, err := device.NewUDPOverlay(cfg.OverlayListen, cfg.Neighbors, cfg.Interface.MTU, logger)
	if err != nil {
		return err
	}
	eng, err := engine.New(cfg, dev, logger)
	if err != nil {
		dev.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		done <- eng.Run(ctx)
	}()

	logger.Infof("unetd: %s on %s, overlay %s", cfg.Interface.IP, cfg.Interface.MAC, cfg.OverlayListen)
	runRepl(ctx, eng, os.Stdin, os.Stdout)
	cancel()
	return <-done
}
