// Command server runs the domain provisioning service and its operator
// commands (migrate, provision, verify).
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
