package main

import (
	"context"
	"os/signal"
	"syscall"

	vaultrelay "vaultrelay/app"
)

func main() {
	ctx, _ := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	app := vaultrelay.New(ctx, nil)
	app.Start()
}
