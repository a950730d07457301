package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// SecretBinding maps the name registered with the application to the local
// environment variable supplying its value
type SecretBinding struct {
	Name   string
	Source string
}

// Secrets is the declared secret set. It decodes from either a sequence of
// names (name and source variable are the same) or a mapping name -> source.
// Declaration order is preserved.
type Secrets []SecretBinding

// UnmarshalYAML implements yaml.Unmarshaler
func (s *Secrets) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := value.Decode(&names); err != nil {
			return fmt.Errorf("secrets: %w", err)
		}
		out := make(Secrets, 0, len(names))
		for _, n := range names {
			out = append(out, SecretBinding{Name: n, Source: n})
		}
		*s = out
	case yaml.MappingNode:
		out := make(Secrets, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			var name, source string
			if err := value.Content[i].Decode(&name); err != nil {
				return fmt.Errorf("secrets: %w", err)
			}
			if err := value.Content[i+1].Decode(&source); err != nil {
				return fmt.Errorf("secrets[%s]: %w", name, err)
			}
			out = append(out, SecretBinding{Name: name, Source: source})
		}
		*s = out
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*s = nil
			return nil
		}
		return fmt.Errorf("secrets: expected a list or a mapping, got %q", value.Value)
	default:
		return fmt.Errorf("secrets: expected a list or a mapping")
	}
	return nil
}
