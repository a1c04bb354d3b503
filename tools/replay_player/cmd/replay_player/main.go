package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"floatingspheres/broker/internal/logging"
	"floatingspheres/broker/tools/replay_player"
)

func main() {
	path := flag.String("path", "", "Path to a replay directory or manifest.json")
	verify := flag.Bool("verify", false, "Re-simulate the bundle from its header and compare every frame")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "path flag is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var (
		summary replayplayer.Summary
		err     error
	)
	if *verify {
		summary, err = replayplayer.InspectAndVerify(ctx, *path, logging.NewWriter(os.Stderr, logging.WarnLevel))
	} else {
		summary, _, err = replayplayer.Inspect(*path)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	//1.- Render the summary as JSON so callers can pipe the output elsewhere.
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
	if summary.Report != nil && !summary.Report.Deterministic() {
		os.Exit(4)
	}
}
