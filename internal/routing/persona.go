package routing

import "strings"

// DefaultPersonaName is used when the persona has no name.
const DefaultPersonaName = "Athina"

// Persona shapes the system prompt sent to the remote model.
type Persona struct {
	Name   string
	Traits []string
}

// SystemPrompt renders the persona as a system message.
func (p Persona) SystemPrompt() string {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = DefaultPersonaName
	}
	var b strings.Builder
	b.WriteString("You are ")
	b.WriteString(name)
	b.WriteString(", an elegant and sophisticated voice assistant.")
	if len(p.Traits) > 0 {
		b.WriteString(" Your personality traits: ")
		b.WriteString(strings.Join(p.Traits, ", "))
		b.WriteString(".")
	}
	b.WriteString(" Your answers are spoken aloud, so keep them short and avoid markup.")
	return b.String()
}
