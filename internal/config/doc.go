// Package config handles configuration loading for fleet-gateway.
//
// # Configuration File
//
// The path comes from the FLEET_CONFIG environment variable, falling back to
// $XDG_CONFIG_HOME/fleet/gateway.yaml (or ~/.config/fleet/gateway.yaml).
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Values can reference environment variables with ${VAR_NAME}. Unset
// variables expand to an empty string:
//
//	auth:
//	  jwt_secret: "${FLEET_JWT_SECRET}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  agent_path: "/agent"
//	  handshake_rate: 1      # per remote address, 0 disables
//	  handshake_burst: 5
//
//	database:
//	  path: "/var/lib/fleet/gateway.db"
//
//	auth:
//	  jwt_secret: "${FLEET_JWT_SECRET}"
//	  admin_token: "${FLEET_ADMIN_TOKEN}"
//
//	agents:
//	  heartbeat_interval: "30s"
//	  heartbeat_timeout: "10s"
//	  reconnect_grace_period: "10m"
//	  request_timeout: "30s"
//	  event_dedupe_ttl: "10m"
//
//	notify:
//	  backend: "matrix"      # log, matrix
//	  matrix:
//	    homeserver: "https://matrix.example.com"
//	    user_id: "@fleet:example.com"
//	    access_token: "${MATRIX_TOKEN}"
//	    room_id: "!ops:example.com"
//
//	tailscale:
//	  enabled: false
//	  hostname: "fleet-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// Durations use time.ParseDuration syntax. Empty fields take the Default*
// constants before Validate runs.
package config
