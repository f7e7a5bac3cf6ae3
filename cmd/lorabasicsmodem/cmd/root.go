package cmd

import (
	"bytes"
	"io/ioutil"
	"reflect"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/YKMeIz/lorabasicsmodem/internal/config"
)

var (
	cfgFile string
	version string
)

var rootCmd = &cobra.Command{
	Use:   "lorabasicsmodem",
	Short: "LoRa Basics Modem",
	Long: `LoRa Basics Modem is a LoRaWAN class A end-device MAC engine
	> source & copyright information: https://github.com/YKMeIz/lorabasicsmodem`,
	RunE: run,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to configuration file (optional)")
	rootCmd.PersistentFlags().Int("log-level", 4, "debug=5, info=4, error=2, fatal=1, panic=0")

	viper.BindPFlag("general.log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	// default values
	viper.SetDefault("modem.band.name", "EU868")
	viper.SetDefault("modem.adr_enabled", true)
	viper.SetDefault("modem.default_fport", 1)
	viper.SetDefault("modem.radio.clock_accuracy", 30)
	viper.SetDefault("modem.radio.board_delay_ms", 7)
	viper.SetDefault("modem.storage.path", "lorabasicsmodem-session.json")
	viper.SetDefault("modem.cycle_interval", 100*time.Millisecond)
	viper.SetDefault("monitoring.prometheus_endpoint_enabled", true)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

// Execute executes the root command.
func Execute(v string) {
	version = v

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func initConfig() {
	config.Version = version

	if cfgFile != "" {
		b, err := ioutil.ReadFile(cfgFile)
		if err != nil {
			log.WithError(err).WithField("config", cfgFile).Fatal("error loading config file")
		}
		viper.SetConfigType("toml")
		if err := viper.ReadConfig(bytes.NewBuffer(b)); err != nil {
			log.WithError(err).WithField("config", cfgFile).Fatal("error loading config file")
		}
	} else {
		viper.SetConfigName("lorabasicsmodem")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/lorabasicsmodem")
		viper.AddConfigPath("/etc/lorabasicsmodem")
		if err := viper.ReadInConfig(); err != nil {
			switch err.(type) {
			case viper.ConfigFileNotFoundError:
				log.Warning("No configuration file found, using defaults.")
			default:
				log.WithError(err).Fatal("read configuration file error")
			}
		}
	}

	viperBindEnvs(config.C)

	if err := viper.Unmarshal(&config.C); err != nil {
		log.WithError(err).Fatal("unmarshal config error")
	}

	if config.C.Modem.DevEUIString != "" {
		if err := config.C.Modem.DevEUI.UnmarshalText([]byte(config.C.Modem.DevEUIString)); err != nil {
			log.WithError(err).Fatal("decode dev_eui error")
		}
	}
	if config.C.Modem.JoinEUIString != "" {
		if err := config.C.Modem.JoinEUI.UnmarshalText([]byte(config.C.Modem.JoinEUIString)); err != nil {
			log.WithError(err).Fatal("decode join_eui error")
		}
	}
	if config.C.Modem.AppKeyString != "" {
		if err := config.C.Modem.AppKey.UnmarshalText([]byte(config.C.Modem.AppKeyString)); err != nil {
			log.WithError(err).Fatal("decode app_key error")
		}
	}
}

func viperBindEnvs(iface interface{}, parts ...string) {
	ifv := reflect.ValueOf(iface)
	ift := reflect.TypeOf(iface)
	for i := 0; i < ift.NumField(); i++ {
		v := ifv.Field(i)
		t := ift.Field(i)
		tv, ok := t.Tag.Lookup("mapstructure")
		if !ok {
			tv = strings.ToLower(t.Name)
		}
		if tv == "-" {
			continue
		}

		switch v.Kind() {
		case reflect.Struct:
			viperBindEnvs(v.Interface(), append(parts, tv)...)
		default:
			// Bash doesn't allow env variable names with a dot so
			// bind the double underscore version.
			keyDot := strings.Join(append(parts, tv), ".")
			keyUnderscore := strings.Join(append(parts, tv), "__")
			viper.BindEnv(keyDot, strings.ToUpper(keyUnderscore))
		}
	}
}
