package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"scanwatch/internal/app"
	"scanwatch/internal/probe"
	"scanwatch/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	engine := probe.New(probe.Config{}, logx.NewConsole("INFO"))

	a, err := app.New(cfgPath, engine, nil)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	_ = a.Stop(context.Background())

	if err := a.Err(); err != nil && err != context.Canceled {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}
