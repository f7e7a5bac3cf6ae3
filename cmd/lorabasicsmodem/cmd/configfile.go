package cmd

import (
	"os"
	"text/template"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/YKMeIz/lorabasicsmodem/internal/config"
)

const configTemplate = `[general]
# Log level
#
# debug=5, info=4, warning=3, error=2, fatal=1, panic=0
log_level={{ .General.LogLevel }}


# Modem settings.
[modem]
# Device EUI (8 bytes, hex encoded).
dev_eui="{{ .Modem.DevEUIString }}"

# Join EUI (8 bytes, hex encoded), also known as AppEUI.
join_eui="{{ .Modem.JoinEUIString }}"

# Application root key (16 bytes, hex encoded).
app_key="{{ .Modem.AppKeyString }}"

# Enable adaptive data-rate.
adr_enabled={{ .Modem.ADREnabled }}

# Default application port for uplinks.
default_fport={{ .Modem.DefaultFPort }}

# Interval of the MAC engine cycle.
cycle_interval="{{ .Modem.CycleInterval }}"


  # Regional band settings.
  [modem.band]
  # Band name.
  #
  # Valid values: EU868, US915, AU915, CN470, AS923
  name="{{ .Modem.Band.Name }}"

  # Enforce the 400ms uplink dwell-time limit.
  uplink_dwell_time_400ms={{ .Modem.Band.UplinkDwellTime400ms }}

  # Enforce the 400ms downlink dwell-time limit.
  downlink_dwell_time_400ms={{ .Modem.Band.DownlinkDwellTime400ms }}

  # Use repeater compatible payload-size limits.
  repeater_compatible={{ .Modem.Band.RepeaterCompatible }}


  # Radio board settings.
  [modem.radio]
  # Crystal inaccuracy in per-mille, used to widen the receive windows.
  clock_accuracy={{ .Modem.Radio.ClockAccuracy }}

  # Delay in milliseconds between arming a receive window and the radio
  # actually listening.
  board_delay_ms={{ .Modem.Radio.BoardDelayMs }}

  # Lower bound on the receive-window timeout in milliseconds (0 = none).
  min_rx_timeout_ms={{ .Modem.Radio.MinRxTimeoutMs }}


  # Session persistence.
  [modem.storage]
  # Path of the session snapshot file.
  path="{{ .Modem.Storage.Path }}"


# Monitoring settings.
[monitoring]
# IP:port to bind the monitoring endpoint to, empty to disable.
bind="{{ .Monitoring.Bind }}"

# Serve Prometheus metrics on /metrics.
prometheus_endpoint_enabled={{ .Monitoring.PrometheusEndpointEnabled }}
`

var configCmd = &cobra.Command{
	Use:   "configfile",
	Short: "Print the LoRa Basics Modem configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		t := template.Must(template.New("config").Parse(configTemplate))
		err := t.Execute(os.Stdout, &config.C)
		if err != nil {
			return errors.Wrap(err, "execute config template error")
		}
		return nil
	},
}
