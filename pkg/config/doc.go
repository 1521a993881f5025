// Package config loads the coordinator's YAML configuration, layering a
// config file and environment credentials over built-in defaults.
package config
