// Command saoectl is the operator CLI for key generation, vault
// inspection and publishing, and audit log queries.
package main

import (
	"fmt"
	"os"

	"github.com/nikodemus-eth/saoe/cmd/saoectl/cmd"
)

func main() {
	if err := cmd.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
