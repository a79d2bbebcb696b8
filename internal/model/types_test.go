package model

import (
	"testing"
	"time"
)

func TestParseFrameValid(t *testing.T) {
	raw := []byte(`{"ts":"2026-07-31T12:00:00Z","msg":"block_import","network_state":{"peerId":"peer-1"},"extra":42}`)
	frame, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := time.Parse(time.RFC3339, "2026-07-31T12:00:00Z")
	if !frame.CreatedAt.Equal(want) {
		t.Fatalf("CreatedAt = %v, want %v", frame.CreatedAt, want)
	}
	if frame.MsgKind != "block_import" {
		t.Fatalf("MsgKind = %q, want block_import", frame.MsgKind)
	}
	if frame.PeerID != "peer-1" {
		t.Fatalf("PeerID = %q, want peer-1", frame.PeerID)
	}
	if len(frame.Raw) != len(raw) {
		t.Fatalf("Raw should retain the full payload verbatim")
	}
}

func TestParseFrameMissingTS(t *testing.T) {
	_, err := ParseFrame([]byte(`{"msg":"block_import"}`))
	if err == nil {
		t.Fatal("expected an error for a frame missing ts")
	}
	var kerr *KindedError
	if ke, ok := err.(*KindedError); ok {
		kerr = ke
	} else {
		t.Fatalf("expected *KindedError, got %T", err)
	}
	if kerr.Kind != KindDecodeError {
		t.Fatalf("Kind = %v, want KindDecodeError", kerr.Kind)
	}
}

func TestParseFrameUnparseableTS(t *testing.T) {
	_, err := ParseFrame([]byte(`{"ts":"not-a-timestamp","msg":"x"}`))
	if err == nil {
		t.Fatal("expected an error for an unparseable ts")
	}
}

func TestParseFrameInvalidJSON(t *testing.T) {
	_, err := ParseFrame([]byte(`not json at all`))
	if err == nil {
		t.Fatal("expected an error for invalid JSON")
	}
}

func TestParseFrameNoPeerID(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"ts":"2026-07-31T12:00:00Z","msg":"x"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame.PeerID != "" {
		t.Fatalf("PeerID = %q, want empty when network_state.peerId is absent", frame.PeerID)
	}
}

func TestHasPeerID(t *testing.T) {
	var pc PeerConnection
	if pc.HasPeerID() {
		t.Fatal("zero-value PeerConnection should not report a peer id")
	}
	pc.PeerID = "peer-1"
	if !pc.HasPeerID() {
		t.Fatal("expected HasPeerID to be true once PeerID is set")
	}
}
