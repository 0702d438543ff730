package config

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

func LoadConfig() {
	viper.SetConfigName("config")        // name of config file (without extension)
	viper.SetConfigType("yaml")          // REQUIRED if the config file does not have the extension in the name
	viper.AddConfigPath("/etc/reqscan/") // path to look for the config file in
	viper.AddConfigPath(".")             // optionally look for config in the working directory

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Warn().Msg("Config file not found, using defaults")
		} else {
			log.Panic().Err(err).Msg("Fatal error reading config file")
		}
	}
	SetDefaultConfig()
}

func SetDefaultConfig() {
	// Logging
	viper.SetDefault("logging.console.level", "info")
	viper.SetDefault("logging.console.format", "pretty") // if it's not pretty, just outputs json
	viper.SetDefault("logging.file.enabled", true)
	viper.SetDefault("logging.file.path", "reqscan.log")
	viper.SetDefault("logging.file.level", "info")

	// Database
	viper.SetDefault("db.driver", "sqlite")
	viper.SetDefault("db.dsn", "reqscan.db")
	viper.SetDefault("db.max_idle_conns", 10)
	viper.SetDefault("db.max_open_conns", 80)
	viper.SetDefault("db.conn_max_lifetime", "1h")

	// Scanner (HTTP Probe Session)
	viper.SetDefault("scanner.max_concurrent_request", 10)
	viper.SetDefault("scanner.request_timeout", 30)
	viper.SetDefault("scanner.retry_times", 2)
	viper.SetDefault("scanner.proxy", "")

	// Dispatcher
	viper.SetDefault("dispatcher.batch_size", 10)
	viper.SetDefault("dispatcher.poll_interval", "250ms")
}
