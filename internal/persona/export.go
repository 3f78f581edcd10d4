package persona

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
)

// RenderNarrativeMarkdown builds a Markdown self-report from the
// current persona state — identity statements, dominant traits, and
// narrative elements accumulated through OnDiscovery/OnFeedback — and
// renders it to HTML via goldmark. The pipeline's generation stages
// never read it; nothing else in the repository calls it either.
func (s *Store) RenderNarrativeMarkdown() (string, error) {
	s.mu.Lock()
	p := clonePersona(s.persona)
	s.mu.Unlock()

	var md strings.Builder
	fmt.Fprintf(&md, "# %s\n\n", p.Name)
	fmt.Fprintf(&md, "**Dominant trait:** %s\n\n", dominantTrait(p.Traits))
	if p.Background != "" {
		fmt.Fprintf(&md, "%s\n\n", p.Background)
	}

	if len(p.IdentityStatements) > 0 {
		md.WriteString("## Identity\n\n")
		for _, s := range p.IdentityStatements {
			fmt.Fprintf(&md, "- %s\n", s)
		}
		md.WriteString("\n")
	}

	if len(p.NarrativeElements) > 0 {
		md.WriteString("## Narrative\n\n")
		for _, n := range p.NarrativeElements {
			fmt.Fprintf(&md, "- %s\n", n)
		}
		md.WriteString("\n")
	}

	var out bytes.Buffer
	if err := goldmark.Convert([]byte(md.String()), &out); err != nil {
		return "", fmt.Errorf("render persona narrative: %w", err)
	}
	return out.String(), nil
}
