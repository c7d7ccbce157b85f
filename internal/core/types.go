package core

import "time"

// Protocol is the inferred transport protocol of a forwarded port.
type Protocol string

const (
	ProtocolSSH     Protocol = "ssh"
	ProtocolHTTP    Protocol = "http"
	ProtocolHTTPS   Protocol = "https"
	ProtocolTCP     Protocol = "tcp"
	ProtocolUnknown Protocol = "unknown"
)

// Category classifies a port mapping by the remote port it serves.
type Category string

const (
	CategoryRPC        Category = "rpc"
	CategorySSH        Category = "ssh"
	CategoryUser       Category = "user"
	CategoryManagement Category = "management"
)

// Source names the discovery strategy that produced a PortMapping.
// Priority order, highest first, mirrors the Port Registry's conflict
// resolution rule: Listeners > WaitForForwarded > TunnelObject >
// ManagementAPI > TraceFallback.
type Source string

const (
	SourceListeners        Source = "listeners"
	SourceWaitForForwarded Source = "wait_for_forwarded"
	SourceTunnelObject     Source = "tunnel_object"
	SourceManagementAPI    Source = "management_api"
	SourceTraceFallback    Source = "trace_fallback"
)

// sourcePriority ranks a Source for registry conflict resolution.
// Higher wins.
var sourcePriority = map[Source]int{
	SourceListeners:        5,
	SourceWaitForForwarded: 4,
	SourceTunnelObject:     3,
	SourceManagementAPI:    2,
	SourceTraceFallback:    1,
}

// Priority returns s's conflict-resolution rank. Unknown sources rank
// lowest so they never win against a recognized one.
func (s Source) Priority() int {
	if p, ok := sourcePriority[s]; ok {
		return p
	}
	return 0
}

// CategorizePort applies §3's categorization rules for a remote port.
func CategorizePort(remotePort uint16) Category {
	switch {
	case remotePort == 16634:
		return CategoryRPC
	case remotePort == 22 || remotePort == 2222:
		return CategorySSH
	case remotePort >= 16634 && remotePort <= 16640:
		return CategoryManagement
	default:
		return CategoryUser
	}
}

// PortMapping records one forwarded port.
type PortMapping struct {
	LocalPort  uint16   `json:"localPort"`
	RemotePort uint16   `json:"remotePort"`
	Protocol   Protocol `json:"protocol"`
	Category   Category `json:"category"`
	Source     Source   `json:"source"`
	IsActive   bool     `json:"isActive"`
	// RemoteHost is the relay-reported remote host for this mapping,
	// when the discovering strategy observed one (forwarding-service
	// listeners only). Empty when not reported.
	RemoteHost string `json:"remoteHost,omitempty"`
}

// Key identifies a mapping for registry conflict resolution.
type PortKey struct {
	LocalPort  uint16
	RemotePort uint16
}

func (m PortMapping) Key() PortKey {
	return PortKey{LocalPort: m.LocalPort, RemotePort: m.RemotePort}
}

// PortRegistrySnapshot is the immutable value delivered to Port
// Registry subscribers.
type PortRegistrySnapshot struct {
	RPC         *PortMapping  `json:"rpc,omitempty"`
	SSH         *PortMapping  `json:"ssh,omitempty"`
	User        []PortMapping `json:"user"`
	Management  []PortMapping `json:"management"`
	LastUpdated time.Time     `json:"lastUpdated"`
}

// ProviderPort is one entry of TunnelProperties' embedded port array,
// as reported by the tunnel object itself (Port Discovery strategy 1).
type ProviderPort struct {
	PortNumber    uint16 `json:"portNumber"`
	ForwardingURI string `json:"forwardingUri"`
}

// TunnelProperties holds the opaque inputs obtained from the
// workspace provider that are required to connect the relay and
// drive port discovery.
type TunnelProperties struct {
	TunnelID     string         `json:"tunnelId"`
	ClusterID    string         `json:"clusterId"`
	ConnectToken string         `json:"connectToken"`
	ManageToken  string         `json:"manageToken"`
	ServiceURI   string         `json:"serviceUri"`
	Domain       string         `json:"domain"`
	Ports        []ProviderPort `json:"ports,omitempty"`
}

// ActivityKind is sent on every heartbeat tick.
type ActivityKind string

const (
	ActivityConnected ActivityKind = "connected"
	ActivityActivity  ActivityKind = "activity"
	ActivityKeepAlive ActivityKind = "keep_alive"
)

// Keypair is an ephemeral, session-scoped asymmetric identity issued
// by the Ephemeral Key Store (C1).
type Keypair struct {
	SessionID    string
	PublicText   string // OpenSSH ssh-ed25519 authorized_keys line
	PrivateBytes []byte // PEM-encoded Ed25519 private key
	Fingerprint  string // "SHA256:" + base64(sha256(raw public key))
	CreatedAt    time.Time
}

// CodespaceState enumerates the provider's reported workspace states.
type CodespaceState string

const (
	StateQueued       CodespaceState = "Queued"
	StateProvisioning CodespaceState = "Provisioning"
	StateAvailable    CodespaceState = "Available"
	StateAwaiting     CodespaceState = "Awaiting"
	StateUnavailable  CodespaceState = "Unavailable"
	StateDeleted      CodespaceState = "Deleted"
	StateMoved        CodespaceState = "Moved"
	StateShutdown     CodespaceState = "Shutdown"
	StateArchived     CodespaceState = "Archived"
	StateStarting     CodespaceState = "Starting"
	StateShuttingDown CodespaceState = "ShuttingDown"
	StateFailed       CodespaceState = "Failed"
	StateExporting    CodespaceState = "Exporting"
	StateUpdating     CodespaceState = "Updating"
	StateRebuilding   CodespaceState = "Rebuilding"
	StateConnecting   CodespaceState = "Connecting"
	StateConnected    CodespaceState = "Connected"
	StateDisconnected CodespaceState = "Disconnected"
)

// retryableStates is the set of codespace states a client is expected
// to retry against, per §6.
var retryableStates = map[CodespaceState]struct{}{
	StateStarting:     {},
	StateProvisioning: {},
	StateQueued:       {},
	StateAwaiting:     {},
	StateUnavailable:  {},
}

// Retryable reports whether s is in the provider's retryable set.
func (s CodespaceState) Retryable() bool {
	_, ok := retryableStates[s]
	return ok
}
