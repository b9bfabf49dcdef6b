package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/cnyy99/giggle/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := app.New()
	if err := a.Run(ctx); err != nil {
		log.Fatalln("dispatchcore:", err)
	}
}
