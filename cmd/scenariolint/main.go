// Command scenariolint checks scenario and bot files before they are
// deployed.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
