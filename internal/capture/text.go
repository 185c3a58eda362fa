package capture

import (
	"strings"
	"sync"
)

// TextCapturer holds the pending input text and emits it on explicit submission.
type TextCapturer struct {
	mu      sync.Mutex
	pending string

	onSubmit func(string)
	disabled func() bool
}

// NewTextCapturer creates a TextCapturer emitting to onSubmit. Submission is suppressed while
// disabled reports true; a nil disabled never suppresses.
func NewTextCapturer(onSubmit func(string), disabled func() bool) *TextCapturer {
	if disabled == nil {
		disabled = func() bool { return false }
	}
	return &TextCapturer{
		onSubmit: onSubmit,
		disabled: disabled,
	}
}

// Update replaces the pending text.
func (c *TextCapturer) Update(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = text
}

// Pending returns the pending text.
func (c *TextCapturer) Pending() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Submit emits the trimmed pending text and clears the buffer. It reports false without
// emitting when the capturer is disabled or the text is blank.
func (c *TextCapturer) Submit() bool {
	if c.disabled() {
		return false
	}

	c.mu.Lock()
	text := strings.TrimSpace(c.pending)
	if text == "" {
		c.mu.Unlock()
		return false
	}
	c.pending = ""
	c.mu.Unlock()

	c.onSubmit(text)
	return true
}
