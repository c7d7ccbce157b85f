package config

import (
	"strings"
	"time"
)

// Option describes a single configuration entry: its viper key, the
// corresponding CLI flag name, the compiled default, and a
// human-readable description shown in --help output.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// Options defines every configuration entry the broker's serve
// command accepts. Each entry is registered as a viper default and a
// CLI flag.
var Options = []Option{
	{Key: keyServerPort, Flag: toFlag(keyServerPort), Default: "8080", Description: "User-transport listen port"},
	{Key: keyServerAllowedOrigins, Flag: toFlag(keyServerAllowedOrigins), Default: []string{}, Description: "Allowed CORS origins for the user-transport endpoint"},

	{Key: keyProviderBaseURL, Flag: toFlag(keyProviderBaseURL), Default: "https://api.provider.example", Description: "Workspace provider API base URL"},
	{Key: keyProviderUserAgent, Flag: toFlag(keyProviderUserAgent), Default: "tunnelbroker/1.0", Description: "User-Agent sent on every provider request"},

	{Key: keyRPCHeartbeatInterval, Flag: toFlag(keyRPCHeartbeatInterval), Default: 60 * time.Second, Description: "Control-plane heartbeat interval"},
	{Key: keyRPCSessionKeepalive, Flag: toFlag(keyRPCSessionKeepalive), Default: 300 * time.Second, Description: "Disconnect grace period before RPC resources are released"},

	{Key: keyUserPublicKeyOverride, Flag: toFlag(keyUserPublicKeyOverride), Default: "", Description: "Override the ephemeral keypair with a fixed public key (non-production only)"},

	{Key: keyDebugTraceTap, Flag: toFlag(keyDebugTraceTap), Default: false, Description: "Attach the Trace Tap to the relay's diagnostic stream"},

	{Key: keyDiscoveryFallbackRPCPorts, Flag: toFlag(keyDiscoveryFallbackRPCPorts), Default: []int{16634, 16635, 16636, 16637, 16638, 16639}, Description: "Fallback local ports to probe for the control-plane RPC port"},
	{Key: keyDiscoveryFallbackSSHPorts, Flag: toFlag(keyDiscoveryFallbackSSHPorts), Default: []int{2222, 2223, 2224, 22}, Description: "Fallback local ports to probe for the workspace SSH port"},
	{Key: keyDiscoveryProbeTimeout, Flag: toFlag(keyDiscoveryProbeTimeout), Default: 2 * time.Second, Description: "TCP connect timeout used when probing a fallback port"},

	{Key: keyReconnectBaseDelay, Flag: toFlag(keyReconnectBaseDelay), Default: time.Second, Description: "Reconnect backoff starting delay"},
	{Key: keyReconnectMaxDelay, Flag: toFlag(keyReconnectMaxDelay), Default: 30 * time.Second, Description: "Reconnect backoff cap"},
	{Key: keyReconnectMaxAttempts, Flag: toFlag(keyReconnectMaxAttempts), Default: 10, Description: "Maximum reconnect attempts before giving up"},
}

// toFlag converts a viper key like "rpc.heartbeat_interval" into a
// CLI flag like "rpc-heartbeat-interval" by lower-casing and
// replacing dots and underscores with hyphens.
func toFlag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	return flag
}
