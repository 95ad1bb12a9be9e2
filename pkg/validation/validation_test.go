package validation

import (
	"strings"
	"testing"
)

func TestValidateRoomID(t *testing.T) {
	tests := []struct {
		name    string
		roomID  string
		wantErr bool
	}{
		{"valid", "r1", false},
		{"valid with dash and dot", "team-room.2", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 101), true},
		{"spaces", "my room", true},
		{"slash", "a/b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRoomID(tt.roomID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRoomID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePeerID(t *testing.T) {
	tests := []struct {
		name    string
		peerID  string
		wantErr bool
	}{
		{"valid", "peer_123", false},
		{"empty", "", true},
		{"too long", strings.Repeat("p", 101), true},
		{"invalid chars", "peer@1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePeerID(tt.peerID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePeerID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDisplayName(t *testing.T) {
	tests := []struct {
		name        string
		displayName string
		wantErr     bool
	}{
		{"plain", "Alice", false},
		{"empty", "", false},
		{"unicode", "Zoë 🎧", false},
		{"too long", strings.Repeat("x", 129), true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDisplayName(tt.displayName)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDisplayName() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"jaeger collector", "http://localhost:14268/api/traces", false},
		{"websocket", "wss://example.com/ws", false},
		{"empty", "", true},
		{"bad scheme", "ftp://example.com", true},
		{"no host", "http://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateBitrate(t *testing.T) {
	if err := ValidateBitrate(1500000); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateBitrate(1000); err == nil {
		t.Error("expected error for tiny bitrate")
	}
	if err := ValidateBitrate(200000000); err == nil {
		t.Error("expected error for huge bitrate")
	}
}

func TestValidateNonEmptyString(t *testing.T) {
	if err := ValidateNonEmptyString("  ", "instance id"); err == nil {
		t.Error("expected error for blank string")
	}
	if err := ValidateNonEmptyString("a", "instance id"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
