// Package main is the entry point for avpipe-demo, a small CLI that
// assembles a stream-copy or transcode pipeline from flags for manual and
// integration verification.
package main

import (
	"os"

	"github.com/podfirst/node-av-go/cmd/avpipe-demo/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
