// Package config loads runtime configuration for tally.
//
// Sources & precedence
//
//  1. Built-in defaults (see Default).
//  2. Optional TOML file: $XDG_CONFIG_HOME/tally/config.toml, or --config.
//  3. A .env file in the working directory (joho/godotenv). Variables already
//     set in the environment win over the file.
//  4. TALLY_* environment variables, e.g. TALLY_SERVER_URL, TALLY_LOG_LEVEL.
//  5. Command-line flags bound with Options.Flags.
//
// # TOML schema
//
// Durations are strings such as "2s" or "5m":
//
//	store_path        = "/home/me/.config/tally/tally.db"
//	server_url        = "https://sync.example.com"
//	debounce_interval = "2s"
//	sync_interval     = "5m"
//	request_timeout   = "30s"
//	retry_attempts    = 0
//	broadcast_addr    = "127.0.0.1:7420"
//	conflict_default  = "claim"
//	currency          = "USD"
//
//	[log]
//	level        = "info"
//	file         = ""
//	max_size_mb  = 10
//	max_backups  = 3
//	max_age_days = 28
package config
