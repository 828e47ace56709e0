package commands

import (
	"context"
	"fmt"
	"math"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func trackCmd() *cobra.Command {
	var (
		count    int
		interval time.Duration
		lat      float64
		lon      float64
		speed    uint8
		course   uint16
	)

	cmd := &cobra.Command{
		Use:   "track",
		Short: "Log in and stream GPS fixes",
		Long:  "Connects to the gateway, logs in, and sends location frames on an interval until done or interrupted (Ctrl+C).",
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
				// Drift the fix a little so consecutive points differ.
				dlat := lat + 0.0005*math.Sin(float64(i)/5)
				dlon := lon + 0.0005*math.Cos(float64(i)/5)

				if err := dev.sendLocation(dlat, dlon, speed, course); err != nil {
					return fmt.Errorf("fix %d: %w", i+1, err)
				}
				fmt.Printf("fix %d/%d acked: %.6f,%.6f\n", i+1, count, dlat, dlon)

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

	cmd.Flags().IntVar(&count, "count", 10, "number of fixes to send")
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "delay between fixes")
	cmd.Flags().Float64Var(&lat, "lat", 22.546, "starting latitude")
	cmd.Flags().Float64Var(&lon, "lon", 114.057, "starting longitude")
	cmd.Flags().Uint8Var(&speed, "speed", 60, "speed in km/h")
	cmd.Flags().Uint16Var(&course, "course", 90, "course in degrees")

	return cmd
}
