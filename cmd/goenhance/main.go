// Command goenhance makes compiled classes persistence-capable.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/daimatz/goenhance/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	observability.Sync()
	if err != nil {
		os.Exit(1)
	}
}
