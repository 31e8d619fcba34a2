package streamcore

import "testing"

func TestContainsClear(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    bool
	}{
		{"exact clear sequence", "\x1b[3J", true},
		{"clear mid payload", "hello\x1b[3Jworld", true},
		{"no clear", "just plain output", false},
		{"other clear sequences are not matched", "\x1b[2J\x1bc", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContainsClear(tt.payload); got != tt.want {
				t.Errorf("ContainsClear(%q) = %v, want %v", tt.payload, got, tt.want)
			}
		})
	}
}
