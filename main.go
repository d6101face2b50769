// Command artifactcache saves and restores build outputs in a remote
// artifact cache.
//
//	artifactcache restore --key v1-linux-$HASH --restore-key v1-linux-
//	cargo build
//	artifactcache save --key v1-linux-$HASH target/debug target/release
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := newApp(os.Stdout, os.Stderr, os.Getenv).run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
