package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jordanhubbard/keymux/internal/app"
)

func main() {
	cfg := app.FromEnv()

	srv, err := app.NewServer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keymux: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "keymux: %v\n", err)
		os.Exit(1)
	}
}
