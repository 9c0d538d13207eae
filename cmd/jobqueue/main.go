package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobqueue/internal/app"
	"jobqueue/internal/isolate"
	"jobqueue/internal/tasks"
	logx "jobqueue/pkg/logx"
	"jobqueue/pkg/systemd"
)

const stopTimeout = 15 * time.Second

func main() {
	reg := tasks.NewRegistry()
	tasks.RegisterBuiltins(reg)

	// Isolated attempts re-exec this binary; the child runs one task and exits.
	if isolate.IsChild() {
		os.Exit(isolate.Serve(reg))
	}

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, reg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	log := a.Logger()

	_, _ = systemd.Status("running")
	if _, err := systemd.Ready(); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	}
	go func() {
		if err := systemd.Watchdog(ctx, a.Healthy); err != nil {
			log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	}()

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
		if err := a.Err(); err != nil {
			log.Error("fatal error", logx.Err(err))
		}
	}

	_, _ = systemd.Stopping()
	_, _ = systemd.Status("stopping: " + string(reason))
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		os.Exit(1)
	}
}
