package userws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunnelbroker/broker/internal/core"
)

// Upgrader upgrades a browser terminal connection. CheckOrigin accepts
// every origin, and the HTTP transport's CORS middleware does not
// reject upgrade requests either, so the websocket handshake is not
// origin-checked.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeTimeout = 10 * time.Second

// Conn wraps one upgraded websocket connection with a write mutex
// (gorilla/websocket forbids concurrent writers) and the helpers the
// session actor uses to implement terminal.Sink.
type Conn struct {
	ws  *websocket.Conn
	log *slog.Logger

	writeMu sync.Mutex
}

// Upgrade upgrades r into a Conn.
func Upgrade(w http.ResponseWriter, r *http.Request, log *slog.Logger) (*Conn, error) {
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default().With("component", "userws")
	}
	return &Conn{ws: ws, log: log}, nil
}

// Recv reads and decodes the next client message. It blocks until a
// message arrives, the connection closes, or an error occurs.
func (c *Conn) Recv() (ClientMessage, error) {
	var msg ClientMessage
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, core.Wrap(core.ErrorCodeInvalidArgument, "malformed client message", err)
	}
	return msg, nil
}

// send serializes and writes msg as one text frame, serialized against
// concurrent writers from other goroutines (heartbeat vs. output pump).
func (c *Conn) send(msg ServerMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

// SendOutput implements terminal.Sink: pushes an {type=output} message.
func (c *Conn) SendOutput(data []byte) error {
	return c.send(ServerMessage{Type: MsgOutput, OutputData: data})
}

// SendState implements terminal.Sink: pushes a {type=codespace_state}
// message.
func (c *Conn) SendState(state core.CodespaceState) error {
	return c.send(ServerMessage{Type: MsgCodespaceState, State: string(state)})
}

// SendAuthenticated pushes the {type=authenticated} response.
func (c *Conn) SendAuthenticated(success bool) error {
	return c.send(ServerMessage{Type: MsgAuthenticated, Success: success})
}

// SendCodespacesList pushes the {type=codespaces_list} response.
func (c *Conn) SendCodespacesList(list []CodespaceSummary) error {
	return c.send(ServerMessage{Type: MsgCodespacesList, Data: list})
}

// SendPortUpdate pushes the {type=port_update} response built from a
// registry snapshot.
func (c *Conn) SendPortUpdate(snap core.PortRegistrySnapshot) error {
	return c.send(PortUpdateFromSnapshot(snap))
}

// SendPortInfo pushes the {type=port_info_response} response.
func (c *Conn) SendPortInfo(snap core.PortRegistrySnapshot) error {
	return c.send(ServerMessage{Type: MsgPortInfoResponse, PortInfo: &snap})
}

// SendDisconnectedFromCodespace pushes the
// {type=disconnected_from_codespace} response.
func (c *Conn) SendDisconnectedFromCodespace() error {
	return c.send(ServerMessage{Type: MsgDisconnectedFromCS})
}

// SendError pushes the {type=error} response carrying a domain error's
// message. Never leaks internal error wrapping chains to the client.
func (c *Conn) SendError(err error) error {
	msg := err.Error()
	if de, ok := err.(*core.DomainError); ok {
		msg = de.Message
	}
	return c.send(ServerMessage{Type: MsgError, Message: msg})
}

// Close closes the underlying websocket connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}
