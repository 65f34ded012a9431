// Command dk keeps encrypted local backups of note drafts and pushes them to the server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/and161185/draft-keeper/internal/remote"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	var he *remote.HTTPError
	if errors.As(err, &he) {
		fmt.Fprintf(os.Stderr, "http error: status=%d code=%s msg=%s\n", he.StatusCode, he.Code, he.Message)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
