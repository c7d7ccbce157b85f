// Package discovery implements Port Discovery (C3): it populates the
// Port Registry from four ordered sources and serves targeted
// "find this remote port" lookups for the Control-Plane RPC Invoker
// and the Session State Machine.
package discovery

import (
	"context"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/tunnelbroker/broker/internal/core"
	"github.com/tunnelbroker/broker/internal/ports"
)

// portRegex extracts the trailing :PORT segment of a forwarding URI,
// e.g. "https://host:41000/" -> "41000". This is one of the two
// sanctioned regex-based extraction points in this module (the other
// is the Trace Tap); everywhere else parses structured data.
var portRegex = regexp.MustCompile(`:(\d+)(?:/|$)`)

// ListenerInfo describes one entry of the relay's forwarding-service
// listeners map (local_port -> remote_info).
type ListenerInfo struct {
	RemotePort uint16
	RemoteHost string
}

// RelayHandle is the non-owning view of the relay client that Port
// Discovery is allowed to use. It must never dispose the relay (§5).
type RelayHandle interface {
	// Listeners returns the forwarding service's current local-port
	// to remote-info mapping, or (nil, false) if the relay does not
	// expose a forwarding service introspection surface.
	Listeners() (map[uint16]ListenerInfo, bool)
	// WaitForForwarded blocks until remotePort is forwarded or ctx is
	// done, returning the assigned local port.
	WaitForForwarded(ctx context.Context, remotePort uint16) (localPort uint16, ok bool, err error)
}

// ManagementAPI is the subset of the provider HTTP client Port
// Discovery needs for strategy 2.
type ManagementAPI interface {
	ListPorts(ctx context.Context, manageToken string) ([]core.ProviderPort, error)
}

// TraceSource is the subset of the Trace Tap Port Discovery consults
// for strategy 4 (trace fallback).
type TraceSource interface {
	FallbackMapping(remotePort uint16) (core.PortMapping, bool)
}

// Options configures a Discoverer's fallback probe lists (§9's second
// open question: these are configuration, not hard-coded truth).
type Options struct {
	FallbackRPCPorts []uint16
	FallbackSSHPorts []uint16
	ProbeTimeout     time.Duration
}

// DefaultOptions returns spec.md's literal fallback port lists.
func DefaultOptions() Options {
	return Options{
		FallbackRPCPorts: []uint16{16634, 16635, 16636, 16637, 16638, 16639},
		FallbackSSHPorts: []uint16{2222, 2223, 2224, 22},
		ProbeTimeout:     2 * time.Second,
	}
}

// Discoverer drives Port Discovery against a live relay, management
// API, and (optionally) trace tap, publishing results into a
// Registry.
type Discoverer struct {
	registry *ports.Registry
	relay    RelayHandle
	api      ManagementAPI
	trace    TraceSource
	opts     Options
}

// New returns a Discoverer. trace may be nil if debug/trace-tap mode
// is not enabled; api may be nil if no management-API fallback is
// available for the current session.
func New(registry *ports.Registry, relay RelayHandle, api ManagementAPI, trace TraceSource, opts Options) *Discoverer {
	return &Discoverer{registry: registry, relay: relay, api: api, trace: trace, opts: opts}
}

// Discover runs strategies 1-3 against tp and the relay, publishing
// every resulting mapping into the registry. It never fails: each
// strategy's own errors are logged by the caller and treated as
// "this strategy found nothing".
func (d *Discoverer) Discover(ctx context.Context, tp core.TunnelProperties) {
	var mappings []core.PortMapping
	mappings = append(mappings, fromTunnelObject(tp)...)
	mappings = append(mappings, d.fromManagementAPI(ctx, tp)...)
	mappings = append(mappings, d.fromListeners()...)
	if len(mappings) > 0 {
		d.registry.Upsert(mappings)
	}
}

// Find performs a targeted lookup for remotePort (§4.3's "targeted
// discovery"), trying wait_for_forwarded, then a registry refresh,
// then trace fallback, then a fixed TCP-probe fallback list. The
// caller passes the appropriate fallback list for the port category
// (e.g. RPC for 16634, SSH for the workspace SSH port).
func (d *Discoverer) Find(ctx context.Context, remotePort uint16, deadline time.Duration, fallbackPorts []uint16) (core.PortMapping, bool) {
	findCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if local, ok, err := d.relay.WaitForForwarded(findCtx, remotePort); err == nil && ok {
		m := core.PortMapping{
			LocalPort: local, RemotePort: remotePort,
			Category: core.CategorizePort(remotePort),
			Source:   core.SourceWaitForForwarded,
			IsActive: true,
		}
		d.registry.Upsert([]core.PortMapping{m})
		return m, true
	}

	snap := d.registry.Snapshot()
	if m, ok := findInSnapshot(snap, remotePort); ok {
		return m, true
	}

	if d.trace != nil {
		if m, ok := d.trace.FallbackMapping(remotePort); ok {
			d.registry.Upsert([]core.PortMapping{m})
			return m, true
		}
	}

	// The deadline bounds wait_for_forwarded only; each probe has its
	// own connect timeout.
	if m, ok := d.probeFallback(ctx, remotePort, fallbackPorts); ok {
		d.registry.Upsert([]core.PortMapping{m})
		return m, true
	}

	return core.PortMapping{}, false
}

// FindRPC is the C5 endpoint-discovery convenience: find remote=16634
// with a 3-second deadline against the RPC fallback port list.
func (d *Discoverer) FindRPC(ctx context.Context) (core.PortMapping, bool) {
	return d.Find(ctx, 16634, 3*time.Second, d.opts.FallbackRPCPorts)
}

// FindSSH is the C6 "Provisioning" convenience: find the workspace
// SSH port with a 5-second deadline against the SSH fallback list.
func (d *Discoverer) FindSSH(ctx context.Context, remoteSSHPort uint16) (core.PortMapping, bool) {
	return d.Find(ctx, remoteSSHPort, 5*time.Second, d.opts.FallbackSSHPorts)
}

func findInSnapshot(snap core.PortRegistrySnapshot, remotePort uint16) (core.PortMapping, bool) {
	if snap.RPC != nil && snap.RPC.RemotePort == remotePort {
		return *snap.RPC, true
	}
	if snap.SSH != nil && snap.SSH.RemotePort == remotePort {
		return *snap.SSH, true
	}
	for _, m := range snap.User {
		if m.RemotePort == remotePort {
			return m, true
		}
	}
	for _, m := range snap.Management {
		if m.RemotePort == remotePort {
			return m, true
		}
	}
	return core.PortMapping{}, false
}

// fromTunnelObject implements strategy 1: walk tp.Ports and extract
// the local port from each forwarding URI.
func fromTunnelObject(tp core.TunnelProperties) []core.PortMapping {
	var out []core.PortMapping
	for _, p := range tp.Ports {
		local, ok := extractPort(p.ForwardingURI)
		if !ok {
			continue
		}
		out = append(out, core.PortMapping{
			LocalPort:  local,
			RemotePort: p.PortNumber,
			Protocol:   inferScheme(p.ForwardingURI),
			Category:   core.CategorizePort(p.PortNumber),
			Source:     core.SourceTunnelObject,
			IsActive:   true,
		})
	}
	return out
}

// fromManagementAPI implements strategy 2: the provider's list-ports
// endpoint, parsed identically to strategy 1.
func (d *Discoverer) fromManagementAPI(ctx context.Context, tp core.TunnelProperties) []core.PortMapping {
	if d.api == nil {
		return nil
	}
	providerPorts, err := d.api.ListPorts(ctx, tp.ManageToken)
	if err != nil {
		return nil
	}
	return fromTunnelObject(core.TunnelProperties{Ports: providerPorts})
}

// fromListeners implements strategy 3: the relay's forwarding-service
// listeners map, when exposed.
func (d *Discoverer) fromListeners() []core.PortMapping {
	listeners, ok := d.relay.Listeners()
	if !ok {
		return nil
	}
	out := make([]core.PortMapping, 0, len(listeners))
	for local, info := range listeners {
		out = append(out, core.PortMapping{
			LocalPort:  local,
			RemotePort: info.RemotePort,
			Category:   core.CategorizePort(info.RemotePort),
			Source:     core.SourceListeners,
			IsActive:   true,
			RemoteHost: info.RemoteHost,
		})
	}
	return out
}

// probeFallback dials each candidate port in order with a 2-second
// timeout and returns the first that accepts a connection.
func (d *Discoverer) probeFallback(ctx context.Context, remotePort uint16, candidates []uint16) (core.PortMapping, bool) {
	timeout := d.opts.ProbeTimeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	for _, candidate := range candidates {
		addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(candidate)))
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			continue
		}
		conn.Close()
		return core.PortMapping{
			LocalPort:  candidate,
			RemotePort: remotePort,
			Category:   core.CategorizePort(remotePort),
			Source:     core.SourceTraceFallback,
			IsActive:   true,
		}, true
	}
	return core.PortMapping{}, false
}

func extractPort(uri string) (uint16, bool) {
	m := portRegex.FindStringSubmatch(uri)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseUint(m[1], 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

func inferScheme(uri string) core.Protocol {
	switch {
	case len(uri) >= 8 && uri[:8] == "https://":
		return core.ProtocolHTTPS
	case len(uri) >= 7 && uri[:7] == "http://":
		return core.ProtocolHTTP
	default:
		return core.ProtocolUnknown
	}
}
