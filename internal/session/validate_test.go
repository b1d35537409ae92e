package session

import (
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "main", false},
		{"digits", "support2", false},
		{"inner hyphen", "eu-west", false},
		{"underscore first", "_scratch", false},
		{"max length", strings.Repeat("a", 64), false},
		{"empty", "", true},
		{"leading hyphen", "-json", true},
		{"uppercase", "Main", true},
		{"space", "my session", true},
		{"dot", "my.session", true},
		{"too long", strings.Repeat("a", 65), true},
		{"slash", "team/a", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestCheckSocketPath(t *testing.T) {
	if err := checkSocketPath("/tmp/inbox/daemon.sock"); err != nil {
		t.Errorf("short path: %v", err)
	}
	if err := checkSocketPath("/" + strings.Repeat("x", maxSocketPath)); err == nil {
		t.Error("over-long path accepted")
	}
}
