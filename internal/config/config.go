package config

import (
	"time"

	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/band"
)

// Version defines the modem firmware version.
var Version string

// Config defines the configuration structure.
type Config struct {
	General struct {
		LogLevel int `mapstructure:"log_level"`
	} `mapstructure:"general"`

	Modem struct {
		DevEUI  lorawan.EUI64
		JoinEUI lorawan.EUI64
		AppKey  lorawan.AES128Key

		DevEUIString  string `mapstructure:"dev_eui"`
		JoinEUIString string `mapstructure:"join_eui"`
		AppKeyString  string `mapstructure:"app_key"`

		ADREnabled     bool  `mapstructure:"adr_enabled"`
		DefaultFPort   uint8 `mapstructure:"default_fport"`
		DefaultTXPower int   `mapstructure:"default_tx_power"`

		Band struct {
			Name                   band.Name
			UplinkDwellTime400ms   bool `mapstructure:"uplink_dwell_time_400ms"`
			DownlinkDwellTime400ms bool `mapstructure:"downlink_dwell_time_400ms"`
			RepeaterCompatible     bool `mapstructure:"repeater_compatible"`
		} `mapstructure:"band"`

		Radio struct {
			// ClockAccuracy is the crystal error in per-mille, board
			// dependent. 30 means 3%.
			ClockAccuracy uint32 `mapstructure:"clock_accuracy"`
			// BoardDelayMs is the time the board needs between arming a
			// receive window and the radio actually listening.
			BoardDelayMs   uint8  `mapstructure:"board_delay_ms"`
			MinRxTimeoutMs uint32 `mapstructure:"min_rx_timeout_ms"`
		} `mapstructure:"radio"`

		Storage struct {
			Path string `mapstructure:"path"`
		} `mapstructure:"storage"`

		CycleInterval time.Duration `mapstructure:"cycle_interval"`
	} `mapstructure:"modem"`

	Monitoring struct {
		Bind                      string `mapstructure:"bind"`
		PrometheusEndpointEnabled bool   `mapstructure:"prometheus_endpoint_enabled"`
	} `mapstructure:"monitoring"`
}

// C holds the global configuration.
var C Config

// Get returns the configuration.
func Get() *Config {
	return &C
}

// Set sets the configuration.
func Set(c Config) {
	C = c
}
