package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"flag"

	"github.com/mizuhara/vcbot/proc"
	"github.com/mizuhara/vcbot/sys"
)

func main() {
	// Parse flags
	silent := flag.Bool("silent", false, "Disable all log output")
	flag.Parse()

	sys.InitLogger(*silent)

	// 1. Check for and kill old process
	if pidData, err := os.ReadFile(".vcbot.pid"); err == nil {
		if oldPid, err := strconv.Atoi(string(pidData)); err == nil && oldPid != os.Getpid() {
			if process, err := os.FindProcess(oldPid); err == nil {
				// Check if it's still running
				if err := process.Signal(syscall.Signal(0)); err == nil {
					sys.LogInfo(sys.MsgBotKillingOld, oldPid)
					if err := process.Signal(syscall.SIGTERM); err == nil {
						// Wait for it to exit (up to 5 seconds)
						for i := 0; i < 50; i++ {
							if err := process.Signal(syscall.Signal(0)); err != nil {
								break // Process is gone
							}
							time.Sleep(100 * time.Millisecond)
						}
						sys.LogInfo(sys.MsgBotOldTerminated)
					} else {
						sys.LogWarn("Failed to kill old instance: %v", err)
					}
				}
			}
		}
	}

	// 2. Write PID file
	pid := os.Getpid()
	if err := os.WriteFile(".vcbot.pid", []byte(fmt.Sprintf("%d", pid)), 0644); err != nil {
		sys.LogWarn("Failed to write PID file: %v", err)
	}
	defer os.Remove(".vcbot.pid")

	// 3. Run engine (blocks until shutdown signal)
	if err := run(pid, *silent); err != nil {
		sys.LogFatal("%v", err)
	}
}

func run(pid int, silent bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	// Load configuration
	cfg, err := sys.LoadConfig()
	if err != nil {
		return fmt.Errorf(sys.MsgConfigFailedToLoad, err)
	}

	// Initialize database
	if err := sys.InitDatabase(ctx, cfg.DatabasePath); err != nil {
		return fmt.Errorf("Failed to initialize database: %w", err)
	}
	defer sys.CloseDatabase()

	// Adapters must be linked in; refuse to start as a silent dummy.
	transport, err := proc.NewTransport(cfg)
	if err != nil {
		return fmt.Errorf("Failed to create call transport: %w", err)
	}
	notifier, err := proc.NewNotifier(cfg)
	if err != nil {
		return fmt.Errorf("Failed to create notifier: %w", err)
	}

	cache, err := proc.NewMediaCache(cfg.CacheDir)
	if err != nil {
		return fmt.Errorf("Failed to prepare media cache at %s: %w", cfg.CacheDir, err)
	}

	resolver := proc.NewResolver(cfg, cache)
	go resolver.StartSearchCacheGC(ctx)

	queue := proc.NewPlaybackQueue()
	registry := proc.NewRegistry(cfg, transport, notifier, queue, resolver)

	sys.LogInfo("%s is online! (PID: %d)", sys.GetProjectName(), pid)
	<-ctx.Done()
	if !silent {
		fmt.Println()
	}
	sys.LogInfo(sys.MsgBotShutdown, sys.GetProjectName())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	registry.Shutdown(shutdownCtx)

	return nil
}
