// Package config loads the jot configuration from file and environment.
package config
