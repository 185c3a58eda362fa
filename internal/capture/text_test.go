package capture_test

import (
	"testing"

	"github.com/MegaGrindStone/ganapathi/internal/capture"
)

func TestTextCapturerSubmit(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		disabled    bool
		wantEmitted []string
		wantPending string
	}{
		{
			name:        "Trims and emits",
			input:       "  What is wisdom?  ",
			wantEmitted: []string{"What is wisdom?"},
		},
		{
			name:        "Blank is ignored",
			input:       "   \t ",
			wantPending: "   \t ",
		},
		{
			name:        "Disabled keeps text",
			input:       "Hello",
			disabled:    true,
			wantPending: "Hello",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var emitted []string
			c := capture.NewTextCapturer(
				func(s string) { emitted = append(emitted, s) },
				func() bool { return tt.disabled },
			)

			c.Update(tt.input)
			ok := c.Submit()

			if ok != (len(tt.wantEmitted) > 0) {
				t.Errorf("Submit() = %v", ok)
			}
			if len(emitted) != len(tt.wantEmitted) {
				t.Fatalf("emitted = %q, want %q", emitted, tt.wantEmitted)
			}
			for i := range emitted {
				if emitted[i] != tt.wantEmitted[i] {
					t.Errorf("emitted[%d] = %q, want %q", i, emitted[i], tt.wantEmitted[i])
				}
			}
			if got := c.Pending(); got != tt.wantPending {
				t.Errorf("Pending() = %q, want %q", got, tt.wantPending)
			}
		})
	}
}
