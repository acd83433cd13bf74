// Package config handles configuration loading for coven-dash.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Every field has a default (see Default), so an empty file or a
// missing file yields a usable configuration for a local backend.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_DASH_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/dash.yaml
//  3. ~/.config/coven/dash.yaml
//
// A path ending in .toml is decoded as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  url: "${COVEN_AUTH_URL}"
//
// # Configuration Sections
//
//	server:
//	  url: "https://coven.example.com"          # authenticated HTTP calls
//	  channel_url: "wss://coven.example.com/ws" # real-time channel
//
//	auth:
//	  url: "https://coven.example.com"
//	  provider: "google"
//	  refresh_buffer: "5m"                      # renew this long before expiry
//
//	channel:
//	  handshake_timeout: "10s"
//	  reconnect_attempts: 10
//	  reconnect_initial_delay: "1s"
//	  reconnect_max_delay: "30s"
//	  reconnect_jitter: 0.5                     # +/-50%
//
//	conversation:
//	  thinking_timeout: "60s"
//	  auto_approve_tools: ["search", "read_file"] # "*" approves everything
//
//	database:
//	  path: "~/.local/share/coven/dash.db"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
