// Package config provides centralized configuration management for the
// OpenWallet runtime, supporting environment variables and configuration
// files. Secrets such as relayer and authorization keys are resolved from
// the environment so they never live in checked-in files.
package config
