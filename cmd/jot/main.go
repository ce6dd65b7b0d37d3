package main

import (
	"fmt"
	"os"

	"github.com/rzbill/jot/internal/cmd/cli"
)

func main() {
	if err := cli.NewRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "jot:", err)
		os.Exit(1)
	}
}
