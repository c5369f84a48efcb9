package reply

import (
	"fmt"
	"strings"
	"sync/atomic"
	"text/template"
)

// DefaultTemplate echoes the caller's words back in Hindi.
const DefaultTemplate = "आपने कहा: {{.Text}}"

// Turn is the data a reply template is executed against.
type Turn struct {
	// Text is the trimmed final transcript.
	Text string

	// CallID identifies the call.
	CallID string

	// Index is the 1-based number of this turn within the call.
	Index int
}

// Composer renders reply text from a text/template. The template can be
// swapped while calls are running.
type Composer struct {
	tmpl atomic.Pointer[template.Template]
}

// NewComposer parses src. An empty src selects [DefaultTemplate].
func NewComposer(src string) (*Composer, error) {
	c := &Composer{}
	if err := c.SetTemplate(src); err != nil {
		return nil, err
	}
	return c, nil
}

// SetTemplate parses src and, on success, atomically replaces the template.
// On error the previous template stays active.
func (c *Composer) SetTemplate(src string) error {
	if src == "" {
		src = DefaultTemplate
	}
	t, err := template.New("reply").Option("missingkey=error").Parse(src)
	if err != nil {
		return fmt.Errorf("reply: parse template: %w", err)
	}
	c.tmpl.Store(t)
	return nil
}

// Compose executes the template for turn and trims the result.
func (c *Composer) Compose(turn Turn) (string, error) {
	var b strings.Builder
	if err := c.tmpl.Load().Execute(&b, turn); err != nil {
		return "", fmt.Errorf("reply: execute template: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}
