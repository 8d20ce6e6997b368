package main

import (
	"fmt"
	"os"

	"github.com/marmos91/pwlog/cmd/pwlogctl/commands"
	"github.com/marmos91/pwlog/internal/cli/prompt"
)

func main() {
	if err := commands.Execute(); err != nil {
		if prompt.IsAborted(err) {
			fmt.Fprintln(os.Stderr, "Aborted.")
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
