package daemon

import "testing"

func TestResolveParamsFlagsWin(t *testing.T) {
	p, err := ResolveParams("work", "http://api.example", "ws://rt.example")
	if err != nil {
		t.Fatal(err)
	}
	if p.SessionName != "work" {
		t.Errorf("session = %q, want work", p.SessionName)
	}
	if p.APIURL != "http://api.example" || p.RealtimeURL != "ws://rt.example" {
		t.Errorf("urls = %q %q", p.APIURL, p.RealtimeURL)
	}
}

func TestResolveParamsRejectsBadSession(t *testing.T) {
	if _, err := ResolveParams("Bad Name!", "http://a", "ws://b"); err == nil {
		t.Error("expected validation error")
	}
}
