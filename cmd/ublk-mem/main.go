package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ublk "github.com/ehrlich-b/ublk-engine"
	"github.com/ehrlich-b/ublk-engine/backend"
)

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ublk-mem: %v\n", err)
		os.Exit(2)
	}
	if cfg.dump {
		os.Exit(dumpExport(cfg))
	}
	os.Exit(run(cfg))
}

// dumpExport prints a device served by another process from its export.
func dumpExport(cfg *config) int {
	e, err := ublk.LoadExport(cfg.RunDir, uint32(cfg.DeviceID))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ublk-mem: %v\n", err)
		return 1
	}
	ublk.DumpExport(os.Stdout, e)
	return 0
}

func run(cfg *config) int {
	logConfig := &ublk.LogConfig{
		Level:  ublk.ParseLogLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: os.Stderr,
	}
	logger := ublk.NewLogger(logConfig)
	ublk.SetDefaultLogger(logger)

	memBackend := backend.NewMemory(cfg.size)
	defer memBackend.Close()

	params := ublk.DefaultParams(memBackend)
	params.NumQueues = cfg.Queues
	params.QueueDepth = cfg.QueueDepth
	params.LogicalBlockSize = cfg.BlockSize
	params.MaxIOSize = int(cfg.maxIO)
	params.DeviceID = int32(cfg.DeviceID)
	params.CPUAffinity = cfg.CPUs
	params.EnableUnprivileged = cfg.Unprivileged
	params.EnableNeedGetData = cfg.NeedGetData
	params.EnableUserRecovery = cfg.UserRecovery || cfg.Recover

	options := &ublk.Options{
		Logger:       logger,
		DrainTimeout: cfg.DrainTimeout,
		RunDir:       cfg.RunDir,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var device *ublk.Device
	var err error
	if cfg.Recover {
		logger.Info("recovering memory disk", "dev_id", cfg.DeviceID, "size", formatSize(cfg.size))
		device = ublk.New(params, options)
		err = device.Recover(ctx)
	} else {
		logger.Info("creating memory disk", "size", formatSize(cfg.size), "size_bytes", cfg.size)
		device, err = ublk.CreateAndServe(ctx, params, options)
	}
	if err != nil {
		logger.Error("failed to start device", "error", err)
		return 1
	}

	if cfg.Metrics.Listen != "" {
		serveMetrics(cfg, device, logger)
	}

	fmt.Printf("Device created: %s\n", device.Path)
	fmt.Printf("Character device: %s\n", device.CharPath)
	fmt.Printf("Size: %s (%d bytes)\n", formatSize(cfg.size), cfg.size)
	fmt.Printf("\nYou can now use the device:\n")
	fmt.Printf("  sudo mkfs.ext4 %s\n", device.Path)
	fmt.Printf("  sudo mkdir -p /mnt/ublk\n")
	fmt.Printf("  sudo mount %s /mnt/ublk\n", device.Path)
	fmt.Printf("\nPress Ctrl+C to stop...\n")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump device state and goroutine stacks\n", os.Getpid())

	dumpCh := make(chan os.Signal, 1)
	signal.Notify(dumpCh, syscall.SIGUSR1)
	defer signal.Stop(dumpCh)
	go func() {
		for range dumpCh {
			dump(device, logger)
		}
	}()

	status := 0
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case <-device.Done():
		if err := device.Err(); err != nil {
			logger.Error("device failed", "error", err)
			status = 1
		}
	}

	// the drain may take up to DrainTimeout; leave room for STOP and DEL
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+10*time.Second)
	defer stopCancel()
	if err := ublk.StopAndDelete(stopCtx, device); err != nil {
		logger.Error("error stopping device", "error", err)
		return 1
	}
	logger.Info("device stopped successfully")
	return status
}

func serveMetrics(cfg *config, device *ublk.Device, logger *ublk.Logger) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		ublk.NewCollector(device),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	logger.Info("serving metrics", "listen", cfg.Metrics.Listen, "path", cfg.Metrics.Path)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	go func() {
		<-device.Done()
		_ = srv.Close()
	}()
}

func dump(device *ublk.Device, logger *ublk.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := device.Dump(ctx, os.Stderr); err != nil {
		logger.Warn("device dump failed", "error", err)
	}

	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])
}
