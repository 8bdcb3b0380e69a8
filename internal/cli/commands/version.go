package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

// NewVersionCommand creates the version command.
func NewVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the routedem-tfa version",
		Long: `Print the routedem-tfa version, the Go toolchain it was built with and
the routing algorithms it supports.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "routedem-tfa v%s\n", version)
			_, _ = fmt.Fprintf(w, "built with %s for %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
			for _, alg := range []core.Algorithm{core.AlgorithmD8, core.AlgorithmMFD} {
				network := "no stream network"
				if alg.SupportsStreamNetwork() {
					network = "stream order, subwatersheds"
				}
				_, _ = fmt.Fprintf(w, "  %-4s %s\n", alg, network)
			}
		},
	}
}
