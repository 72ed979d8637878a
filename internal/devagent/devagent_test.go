package devagent

import (
	"testing"
)

func TestParseRelayURLRewritesScheme(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"https://relay.example.com", "wss://relay.example.com", false},
		{"http://relay.example.com", "ws://relay.example.com", false},
		{"wss://relay.example.com", "wss://relay.example.com", false},
		{"ftp://relay.example.com", "", true},
	}

	for _, test := range tests {
		got, err := ParseRelayURL(test.input)
		if test.wantErr {
			if err == nil {
				t.Errorf("ParseRelayURL(%q): expected error", test.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRelayURL(%q): unexpected error: %v", test.input, err)
			continue
		}
		if got != test.want {
			t.Errorf("ParseRelayURL(%q) = %q, want %q", test.input, got, test.want)
		}
	}
}
