// Package userws implements the user-transport message schema (§6)
// over a websocket: one JSON object per text frame, newline
// terminated to match the specification's "newline-framed" framing
// literally even though the websocket already frames messages.
package userws

import (
	"encoding/json"
	"time"

	"github.com/tunnelbroker/broker/internal/core"
)

// Client -> server message types.
const (
	MsgAuthenticate           = "authenticate"
	MsgListCodespaces         = "list_codespaces"
	MsgConnectCodespace       = "connect_codespace"
	MsgConnectToRepoCodespace = "connect_to_repo_codespace"
	MsgDisconnectCodespace    = "disconnect_codespace"
	MsgStartCodespace         = "start_codespace"
	MsgStopCodespace          = "stop_codespace"
	MsgInput                  = "input"
	MsgResize                 = "resize"
	MsgRefreshPorts           = "refresh_ports"
	MsgGetPortInfo            = "get_port_info"
	MsgQueryCodespaceStatus   = "query_codespace_status"
)

// Server -> client message types.
const (
	MsgAuthenticated          = "authenticated"
	MsgCodespacesList         = "codespaces_list"
	MsgCodespaceState         = "codespace_state"
	MsgOutput                 = "output"
	MsgPortUpdate             = "port_update"
	MsgPortInfoResponse       = "port_info_response"
	MsgDisconnectedFromCS     = "disconnected_from_codespace"
	MsgError                  = "error"
)

// ClientMessage is the envelope for every client -> server message
// kind. Only the fields relevant to Type are populated; the rest are
// left zero.
type ClientMessage struct {
	Type          string `json:"type"`
	Token         string `json:"token,omitempty"`
	CodespaceName string `json:"codespace_name,omitempty"`
	ShellType     string `json:"shell_type,omitempty"`
	GeminiAPIKey  string `json:"gemini_api_key,omitempty"`
	RepoURL       string `json:"repo_url,omitempty"`
	Data          []byte `json:"data,omitempty"`
	Cols          uint32 `json:"cols,omitempty"`
	Rows          uint32 `json:"rows,omitempty"`
}

// CodespaceSummary is one entry of a codespaces_list payload.
type CodespaceSummary struct {
	Name               string `json:"name"`
	State              string `json:"state"`
	RepositoryFullName string `json:"repository_full_name,omitempty"`
}

// ServerMessage is the envelope for every server -> client message
// kind.
type ServerMessage struct {
	Type               string                     `json:"type"`
	Success            bool                       `json:"success,omitempty"`
	Data               []CodespaceSummary         `json:"data,omitempty"`
	CodespaceName      string                     `json:"codespace_name,omitempty"`
	State              string                     `json:"state,omitempty"`
	RepositoryFullName string                     `json:"repository_full_name,omitempty"`
	OutputData         []byte                     `json:"-"`
	PortCount          int                        `json:"portCount,omitempty"`
	Ports              []core.PortMapping         `json:"ports,omitempty"`
	Timestamp          time.Time                  `json:"timestamp,omitempty"`
	PortInfo           *core.PortRegistrySnapshot `json:"portInfo,omitempty"`
	Message            string                     `json:"message,omitempty"`
}

// MarshalJSON renders the envelope. An output message's raw terminal
// bytes are held internally as OutputData, kept off the Data field
// (reserved for codespaces_list's summaries) to avoid two fields
// claiming the same wire key; here they're remapped onto "data" for
// the wire, matching the schema's output{data} shape.
func (m ServerMessage) MarshalJSON() ([]byte, error) {
	type alias ServerMessage
	if m.Type != MsgOutput {
		return json.Marshal(alias(m))
	}
	return json.Marshal(struct {
		alias
		Data []byte `json:"data,omitempty"`
	}{alias: alias(m), Data: m.OutputData})
}

// PortUpdateFromSnapshot builds a port_update message from a registry
// snapshot, flattening rpc/ssh/user/management into one list.
func PortUpdateFromSnapshot(snap core.PortRegistrySnapshot) ServerMessage {
	ports := make([]core.PortMapping, 0, len(snap.User)+len(snap.Management)+2)
	if snap.RPC != nil {
		ports = append(ports, *snap.RPC)
	}
	if snap.SSH != nil {
		ports = append(ports, *snap.SSH)
	}
	ports = append(ports, snap.User...)
	ports = append(ports, snap.Management...)

	return ServerMessage{
		Type:      MsgPortUpdate,
		PortCount: len(ports),
		Ports:     ports,
		Timestamp: snap.LastUpdated,
	}
}
