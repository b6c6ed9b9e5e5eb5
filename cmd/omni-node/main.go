package main

// ============================================================================
// omni-node entry point
// ============================================================================
//
// All logic lives in internal/cli. main only builds the command tree,
// recovers a top-level panic and maps errors to the exit status.
//
//   go build -o bin/omni-node ./cmd/omni-node
//   ./bin/omni-node --mode server
//   ./bin/omni-node client -n 10
//
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/omni-node/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
