// Command advakod is the entry point for the AdvaKod legal assistant.
// It provides a CLI interface (via Cobra) and an HTTP server that answers
// questions about Russian law grounded in an indexed legal corpus.
package main

import (
	"fmt"
	"os"

	"github.com/wmzpwnz/advakod-sub005/cmd/advakod/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
