// Command walletd hosts a shielded wallet for pages that connect to it over
// websockets, and proves transaction actions in local or worker processes.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
