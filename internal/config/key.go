// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag,
// generalized from the teacher's own internal/config package to this
// broker's own option set.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables: the four names spec.md §6 calls out by
//     their literal, un-prefixed spelling (PORT, RPC_HEARTBEAT_INTERVAL,
//     RPC_SESSION_KEEPALIVE, USER_PUBLIC_KEY) since those are part of
//     the external contract; every other option uses the BROKER_ prefix.
//  3. Config file (config.yaml in . or /etc/tunnelbroker/)
//  4. Compiled defaults
package config

// Viper keys for the broker's configuration.
const (
	keyServerPort           = "server.port"
	keyServerAllowedOrigins = "server.allowed_origins"

	keyProviderBaseURL   = "provider.base_url"
	keyProviderUserAgent = "provider.user_agent"

	keyRPCHeartbeatInterval = "rpc.heartbeat_interval"
	keyRPCSessionKeepalive  = "rpc.session_keepalive"

	keyUserPublicKeyOverride = "keys.user_public_key"

	keyDebugTraceTap = "debug.trace_tap"

	keyDiscoveryFallbackRPCPorts = "discovery.fallback_rpc_ports"
	keyDiscoveryFallbackSSHPorts = "discovery.fallback_ssh_ports"
	keyDiscoveryProbeTimeout     = "discovery.probe_timeout"

	keyReconnectBaseDelay   = "reconnect.base_delay"
	keyReconnectMaxDelay    = "reconnect.max_delay"
	keyReconnectMaxAttempts = "reconnect.max_attempts"
)

// literalEnvVars binds a subset of viper keys to the exact
// (un-prefixed) environment variable names spec.md §6 names, since
// those four names are part of the external contract this broker
// honors and are not ours to re-namespace under a BROKER_ prefix.
var literalEnvVars = map[string]string{
	keyServerPort:            "PORT",
	keyRPCHeartbeatInterval:  "RPC_HEARTBEAT_INTERVAL",
	keyRPCSessionKeepalive:   "RPC_SESSION_KEEPALIVE",
	keyUserPublicKeyOverride: "USER_PUBLIC_KEY",
}
