package main

import (
	"net/http"
	"testing"
)

func TestRemoteIPPrefersForwardedFor(t *testing.T) {
	r := &http.Request{Header: http.Header{}, RemoteAddr: "10.0.0.1:9999"}
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")

	if got := remoteIP(r); got != "203.0.113.5" {
		t.Fatalf("remoteIP = %q, want the first X-Forwarded-For entry", got)
	}
}

func TestRemoteIPFallsBackToRemoteAddr(t *testing.T) {
	r := &http.Request{Header: http.Header{}, RemoteAddr: "10.0.0.1:9999"}

	if got := remoteIP(r); got != "10.0.0.1:9999" {
		t.Fatalf("remoteIP = %q, want RemoteAddr", got)
	}
}
