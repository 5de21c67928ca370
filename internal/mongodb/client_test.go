package mongodb

import (
	"strings"
	"testing"
)

func TestDial_RejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		db      string
		wantErr string
	}{
		{"unparsable uri", "mongodb://host/db?unknownOption=1", "", "parse mongo uri"},
		{"no database anywhere", "mongodb://localhost:27017", "", "no database"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Dial(tt.uri, tt.db, 0)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}
