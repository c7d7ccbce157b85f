package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config wraps a viper instance and provides typed accessors for every
// configuration key. Create one via New().
type Config struct {
	v *viper.Viper
}

// New initialises a Config by loading values from environment
// variables, the config file, and compiled defaults (in that priority
// order; CLI flags, bound later via BindFlags, take highest priority).
func New() (*Config, error) {
	v := viper.New()

	for _, o := range Options {
		v.SetDefault(o.Key, o.Default)
	}

	// Attempt to load a config file from the current directory or
	// the system-wide location.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tunnelbroker/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Every other option is prefixed with BROKER_ and uses
	// underscores in place of dots (e.g. BROKER_PROVIDER_BASE_URL).
	v.SetEnvPrefix("BROKER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// The four names spec.md §6 calls out explicitly are bound to
	// their literal, un-prefixed spelling: they are part of this
	// broker's external contract, not an internal naming choice.
	for key, envVar := range literalEnvVars {
		if err := v.BindEnv(key, envVar); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", envVar, err)
		}
	}

	return &Config{v: v}, nil
}

// BindFlags registers CLI flags for the given option slice and binds
// them to the underlying viper keys so that flag values override file
// and environment sources.
func (c *Config) BindFlags(fs *pflag.FlagSet, options []Option) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		case []int:
			fs.IntSlice(o.Flag, v, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

// ServerAddress returns the listen address for the user-transport
// HTTP/websocket endpoint, derived from the PORT environment variable
// or the --server-port flag (a bare port number, per spec.md §6).
func (c *Config) ServerAddress() string {
	port := c.v.GetString(keyServerPort)
	if port == "" {
		return ":8080"
	}
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

// ServerAllowedOrigins returns the list of allowed CORS origins.
func (c *Config) ServerAllowedOrigins() []string {
	return c.v.GetStringSlice(keyServerAllowedOrigins)
}

// ProviderBaseURL returns the workspace provider's API base URL.
func (c *Config) ProviderBaseURL() string {
	return c.v.GetString(keyProviderBaseURL)
}

// ProviderUserAgent returns the User-Agent header sent on every
// provider request.
func (c *Config) ProviderUserAgent() string {
	return c.v.GetString(keyProviderUserAgent)
}

// RPCHeartbeatInterval returns the control-plane heartbeat interval
// (RPC_HEARTBEAT_INTERVAL).
func (c *Config) RPCHeartbeatInterval() time.Duration {
	return c.v.GetDuration(keyRPCHeartbeatInterval)
}

// RPCSessionKeepalive returns the disconnect grace period before RPC
// resources are released (RPC_SESSION_KEEPALIVE).
func (c *Config) RPCSessionKeepalive() time.Duration {
	return c.v.GetDuration(keyRPCSessionKeepalive)
}

// UserPublicKeyOverride returns the USER_PUBLIC_KEY override, or ""
// if ephemeral key generation should be used (the default).
func (c *Config) UserPublicKeyOverride() string {
	return c.v.GetString(keyUserPublicKeyOverride)
}

// DebugTraceTap reports whether the Trace Tap should be attached to
// the relay's diagnostic stream.
func (c *Config) DebugTraceTap() bool {
	return c.v.GetBool(keyDebugTraceTap)
}

// DiscoveryFallbackRPCPorts returns the configured fallback local
// ports to probe when locating the control-plane RPC port.
func (c *Config) DiscoveryFallbackRPCPorts() []uint16 {
	return toUint16s(c.v.GetIntSlice(keyDiscoveryFallbackRPCPorts))
}

// DiscoveryFallbackSSHPorts returns the configured fallback local
// ports to probe when locating the workspace SSH port.
func (c *Config) DiscoveryFallbackSSHPorts() []uint16 {
	return toUint16s(c.v.GetIntSlice(keyDiscoveryFallbackSSHPorts))
}

// DiscoveryProbeTimeout returns the TCP connect timeout used when
// probing a fallback port.
func (c *Config) DiscoveryProbeTimeout() time.Duration {
	return c.v.GetDuration(keyDiscoveryProbeTimeout)
}

// ReconnectBaseDelay returns the reconnect backoff's starting delay.
func (c *Config) ReconnectBaseDelay() time.Duration {
	return c.v.GetDuration(keyReconnectBaseDelay)
}

// ReconnectMaxDelay returns the reconnect backoff's cap.
func (c *Config) ReconnectMaxDelay() time.Duration {
	return c.v.GetDuration(keyReconnectMaxDelay)
}

// ReconnectMaxAttempts returns the maximum number of reconnect
// attempts before the session gives up and closes.
func (c *Config) ReconnectMaxAttempts() int {
	return c.v.GetInt(keyReconnectMaxAttempts)
}

func toUint16s(ints []int) []uint16 {
	out := make([]uint16, len(ints))
	for i, n := range ints {
		out[i] = uint16(n)
	}
	return out
}
