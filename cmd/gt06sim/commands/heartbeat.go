package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func heartbeatCmd() *cobra.Command {
	var (
		count    int
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Log in and send heartbeats",
		Long:  "Connects to the gateway, logs in, and sends heartbeat frames on an interval. Useful for watching session liveness and the idle reaper.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			dev, err := dialAndLogin(gatewayAddr, deviceIMEI)
			if err != nil {
				return err
			}
			defer dev.Close()
			fmt.Printf("logged in as %s\n", deviceIMEI)

			for i := 0; i < count; i++ {
				if err := dev.sendHeartbeat(); err != nil {
					return fmt.Errorf("heartbeat %d: %w", i+1, err)
				}
				fmt.Printf("heartbeat %d/%d acked\n", i+1, count)

				if i == count-1 {
					break
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 5, "number of heartbeats to send")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "delay between heartbeats")

	return cmd
}
