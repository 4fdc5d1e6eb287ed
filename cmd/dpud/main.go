// Command dpud is a minimal reference host for the SmartNIC virtio
// data-plane controller: it loads a device config, brings up a single
// emulated block device over a simulated queue-pair backend, and
// optionally saves or restores its live-migration state to a file.
//
// It exists to exercise internal/controller end-to-end; a production
// deployment would replace the simulated qp.Backend with a real RDMA
// queue pair and drive WriteBAR from actual PCI BAR trap handlers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nvidia/snap-dataplane/internal/backend"
	"github.com/nvidia/snap-dataplane/internal/controller"
	"github.com/nvidia/snap-dataplane/internal/hostmem"
	"github.com/nvidia/snap-dataplane/internal/qp"
	"github.com/nvidia/snap-dataplane/internal/umr"
	"github.com/schollz/progressbar/v3"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "path to device YAML config")
	saveStateFile := fs.String("save-state", "", "suspend the device and write its migration state to this file, then exit")
	loadStateFile := fs.String("load-state", "", "restore migration state from this file before starting")
	run := fs.Bool("run", false, "start serving the device until interrupted")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}
	if *configPath == "" {
		fs.Usage()
		os.Exit(1)
	}

	if err := mainErr(*configPath, *saveStateFile, *loadStateFile, *run); err != nil {
		slog.Error("dpud failed", "error", err)
		os.Exit(1)
	}
}

func mainErr(configPath, saveStateFile, loadStateFile string, run bool) error {
	cfg, err := LoadDeviceConfig(configPath)
	if err != nil {
		return err
	}

	c, err := newController(cfg)
	if err != nil {
		return fmt.Errorf("dpud: build controller: %w", err)
	}

	if loadStateFile != "" {
		buf, err := os.ReadFile(loadStateFile)
		if err != nil {
			return fmt.Errorf("dpud: read state file: %w", err)
		}
		bar := progressbar.DefaultBytes(int64(len(buf)), "restoring migration state")
		if err := c.LoadState(buf); err != nil {
			return fmt.Errorf("dpud: restore state: %w", err)
		}
		_ = bar.Add(len(buf))
		bar.Close()
		slog.Info("restored migration state", "bytes", len(buf), "lifecycle", c.Lifecycle())
	}

	if saveStateFile != "" {
		return saveState(c, saveStateFile)
	}

	if !run {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	slog.Info("dpud serving", "type", cfg.Type)
	return c.Run(ctx)
}

func saveState(c *controller.Controller, path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Suspend(ctx); err != nil {
		return fmt.Errorf("dpud: suspend for state save: %w", err)
	}

	buf, err := c.SaveState()
	if err != nil {
		return fmt.Errorf("dpud: save state: %w", err)
	}

	bar := progressbar.DefaultBytes(int64(len(buf)), "writing migration state")
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		return fmt.Errorf("dpud: write state file: %w", err)
	}
	_ = bar.Add(len(buf))
	bar.Close()
	slog.Info("saved migration state", "bytes", len(buf), "path", path)
	return nil
}

func newController(cfg DeviceConfig) (*controller.Controller, error) {
	mem := hostmem.NewSimulated(1 << 24)
	qpBackend := qp.NewSim(mem, make([]byte, 4096), 256)
	eng := umr.NewEngine(qpBackend, umr.NewContextPool(4, 64))
	worker := &qp.Worker{}

	ccfg := controller.Config{
		Backend:   qpBackend,
		Worker:    worker,
		UMREngine: eng,
		Options:   cfg.Options.WithDefaults(),
		HostRKey:  cfg.HostRKey,
	}

	switch cfg.Type {
	case "block", "":
		ccfg.Type = controller.TypeBlock
		ccfg.Block = backend.NewMemBlock(cfg.Block.Name, cfg.Block.NumBlocks, cfg.Block.BlockSize)
	default:
		return nil, fmt.Errorf("dpud: unsupported device type %q", cfg.Type)
	}

	return controller.New(ccfg)
}
