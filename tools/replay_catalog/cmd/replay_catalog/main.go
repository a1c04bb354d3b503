package main

import (
	"flag"
	"fmt"
	"os"

	"floatingspheres/broker/tools/replay_catalog"
)

func main() {
	root := flag.String("dir", ".", "directory containing replay bundles")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	flag.Parse()

	entries, err := replaycatalog.List(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *jsonFlag {
		payload, err := replaycatalog.MarshalEntries(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	for _, entry := range entries {
		fmt.Printf("%s\n", entry.BundlePath)
		fmt.Printf("  seed: %q\n", entry.Seed)
		if entry.CreatedAt != "" {
			fmt.Printf("  created: %s\n", entry.CreatedAt)
		}
		if entry.Verifiable {
			fmt.Printf("  bodies: %d  aspect: %.3f  tick: %.1f Hz\n", entry.Bodies, entry.Aspect, entry.TickHz)
		} else {
			fmt.Printf("  scene: missing, cannot be re-simulated\n")
		}
	}
}
