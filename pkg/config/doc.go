// Package config loads Rookery node configuration from YAML with environment
// overrides. Defaults are always applied first so a missing file or partial
// file yields a runnable configuration.
package config
