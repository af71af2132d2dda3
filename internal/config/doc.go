// Package config defines the updater settings and provides helpers to load,
// validate and save them in YAML format.
//
// Load reads the YAML file through viper so every key can be overridden by an
// APP_UPDATER_* environment variable (dots become underscores, for example
// APP_UPDATER_RETRY_ATTEMPTS).
package config
