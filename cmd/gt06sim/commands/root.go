// Package commands implements the gt06sim CLI commands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// gatewayAddr is the gateway address (host:port) the simulated
	// device connects to.
	gatewayAddr string

	// deviceIMEI is the 15-digit identity the simulated device logs in
	// with.
	deviceIMEI string
)

// rootCmd is the top-level cobra command for gt06sim.
var rootCmd = &cobra.Command{
	Use:   "gt06sim",
	Short: "GT06 tracker simulator",
	Long:  "gt06sim speaks the GT06 wire protocol against a gateway: login, heartbeats, location fixes, and alarms.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&gatewayAddr, "addr", "localhost:5023",
		"gateway address (host:port)")
	rootCmd.PersistentFlags().StringVar(&deviceIMEI, "imei", "123456789012345",
		"device IMEI (15 decimal digits)")

	rootCmd.AddCommand(trackCmd())
	rootCmd.AddCommand(heartbeatCmd())
	rootCmd.AddCommand(alarmCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
