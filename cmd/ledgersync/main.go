// Command ledgersync records ledger transactions on this device and keeps
// them in sync with a remote ledger.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
