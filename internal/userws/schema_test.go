package userws

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/tunnelbroker/broker/internal/core"
)

func TestClientMessage_RoundTrip(t *testing.T) {
	in := ClientMessage{Type: MsgResize, Cols: 80, Rows: 24}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out ClientMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(out, in) {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestClientMessage_InputCarriesOpaqueBytes(t *testing.T) {
	in := ClientMessage{Type: MsgInput, Data: []byte("ls -la\n")}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out ClientMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(out.Data) != "ls -la\n" {
		t.Errorf("got %q", out.Data)
	}
}

func TestPortUpdateFromSnapshot(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	rpc := core.PortMapping{LocalPort: 1, RemotePort: 16634, Category: core.CategoryRPC}
	ssh := core.PortMapping{LocalPort: 2, RemotePort: 2222, Category: core.CategorySSH}
	snap := core.PortRegistrySnapshot{
		RPC:         &rpc,
		SSH:         &ssh,
		User:        []core.PortMapping{{LocalPort: 3, RemotePort: 3000, Category: core.CategoryUser}},
		LastUpdated: now,
	}

	msg := PortUpdateFromSnapshot(snap)
	if msg.Type != MsgPortUpdate {
		t.Fatalf("got type %q", msg.Type)
	}
	if msg.PortCount != 3 {
		t.Fatalf("got portCount %d, want 3", msg.PortCount)
	}
	if !msg.Timestamp.Equal(now) {
		t.Errorf("got timestamp %v, want %v", msg.Timestamp, now)
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != MsgPortUpdate {
		t.Errorf("got decoded type %v", decoded["type"])
	}
}
