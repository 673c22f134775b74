package schedule

import "testing"

func TestLockKey(t *testing.T) {
	tests := []struct {
		base  string
		index string
		want  string
	}{
		{"tridx-pipeline", "us-large-tr", "tridx-pipeline:us-large-tr"},
		{"", "eu-tr", "tridx-pipeline:eu-tr"},
		{"custom", "", "custom"},
	}
	for _, tt := range tests {
		got := LockKey(tt.base, tt.index)
		if got != tt.want {
			t.Errorf("LockKey(%q, %q) = %q, want %q", tt.base, tt.index, got, tt.want)
		}
	}
}
