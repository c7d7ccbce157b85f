package controlplane

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{Method: "StartRemoteServer", Metadata: map[string]string{"authorization": "Bearer tok"}, Payload: json.RawMessage(`{"user_public_key":"ssh-ed25519 AAAA"}`)}

	if err := writeFrame(&buf, req); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got Request
	if err := readFrame(&buf, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Method != req.Method {
		t.Errorf("got method %q, want %q", got.Method, req.Method)
	}
	if got.Metadata["authorization"] != "Bearer tok" {
		t.Errorf("got metadata %v", got.Metadata)
	}
}

func TestFrameRoundTrip_MultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		if err := writeFrame(&buf, Response{Result: true}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		var got Response
		if err := readFrame(&buf, &got); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if !got.Result {
			t.Errorf("frame %d: got result false", i)
		}
	}
}

func TestReadFrame_RejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	var got Response
	if err := readFrame(&buf, &got); err == nil {
		t.Fatal("expected an error for an oversized frame length")
	}
}
