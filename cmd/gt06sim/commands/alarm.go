package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// alarmCodes maps the CLI alarm names to GT06 alarm type bytes.
var alarmCodes = map[string]uint8{
	"sos":         0x01,
	"tamper":      0x02,
	"vibration":   0x03,
	"low_battery": 0x06,
	"over_speed":  0x07,
	"idle":        0x08,
}

func alarmCmd() *cobra.Command {
	var (
		alarmType string
		lat       float64
		lon       float64
	)

	cmd := &cobra.Command{
		Use:   "alarm",
		Short: "Log in and raise one alarm",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			code, ok := alarmCodes[alarmType]
			if !ok {
				return fmt.Errorf("unknown alarm type %q", alarmType)
			}

			dev, err := dialAndLogin(gatewayAddr, deviceIMEI)
			if err != nil {
				return err
			}
			defer dev.Close()
			fmt.Printf("logged in as %s\n", deviceIMEI)

			if err := dev.sendAlarm(lat, lon, code); err != nil {
				return fmt.Errorf("alarm: %w", err)
			}
			fmt.Printf("%s alarm acked\n", alarmType)
			return nil
		},
	}

	cmd.Flags().StringVar(&alarmType, "type", "sos",
		"alarm type: sos, tamper, vibration, low_battery, over_speed, idle")
	cmd.Flags().Float64Var(&lat, "lat", 22.546, "latitude")
	cmd.Flags().Float64Var(&lon, "lon", 114.057, "longitude")

	return cmd
}
