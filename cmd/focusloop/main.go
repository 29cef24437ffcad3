package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"focusloop/internal/app"
)

const stopTimeout = 10 * time.Second

func main() {
	var cfgPath string
	var console bool
	flag.StringVar(&cfgPath, "config", "./focusloop.yaml", "path to config yaml/json")
	flag.BoolVar(&console, "console", true, "read commands from stdin; EOF stops the app (use -console=false under systemd)")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	consoleDone := make(chan error, 1)
	if console {
		go func() { consoleDone <- a.Commands().DispatchLoop(ctx, os.Stdin, os.Stdout) }()
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case err := <-consoleDone:
		reason = app.StopStdinEOF
		if err != nil {
			fmt.Println("console:", err)
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	cancel()

	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			fmt.Println("fatal:", err)
		}
		os.Exit(1)
	}
}
