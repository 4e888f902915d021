package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/rancher/git-rewrite/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.SetFlags(0)
	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		log.Printf("git-rewrite: %v", err)
		stop()
		os.Exit(1)
	}
}
