// Command listingwatch serves the listing acquisition API and runs one-shot maintenance commands.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	root, c := newRootCmd(buildServer)
	err := root.ExecuteContext(context.Background())
	if cerr := c.close(); cerr != nil {
		fmt.Fprintln(os.Stderr, cerr)
	}
	if err != nil {
		os.Exit(1)
	}
}
