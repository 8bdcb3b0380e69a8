// Package main provides the routedem-tfa command.
package main

import (
	"os"

	"github.com/megannissel/invest-routedem-tfa-range/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
