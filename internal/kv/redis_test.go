package kv

import "testing"

func TestGlobEscape(t *testing.T) {
	tests := []struct{ in, want string }{
		{"conversation:", "conversation:"},
		{"a*b", `a\*b`},
		{"[x]?", `\[x\]\?`},
	}
	for _, tt := range tests {
		if got := globEscape(tt.in); got != tt.want {
			t.Errorf("globEscape(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
