// Package config loads coordinator configuration from YAML with sane
// defaults for heartbeats, allocator strategy, change-log retention and
// TLS.
package config
