package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ${VAR} or ${VAR:default}
var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

type lookupFunc func(key string) (string, bool)

func substituteString(s string, lookup lookupFunc) (string, error) {
	var missing string
	out := envPattern.ReplaceAllStringFunc(s, func(m string) string {
		groups := envPattern.FindStringSubmatch(m)
		name := strings.TrimSpace(groups[1])
		if v, ok := lookup(name); ok {
			return v
		}
		if strings.Contains(m, ":") {
			return groups[2]
		}
		if missing == "" {
			missing = name
		}
		return m
	})
	if missing != "" {
		return "", fmt.Errorf("environment variable '%s' not set and no default provided", missing)
	}
	return out, nil
}

// substituteNode replaces variable references in every scalar value of the
// document. Mapping keys are left untouched.
func substituteNode(n *yaml.Node, lookup lookupFunc) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if !strings.Contains(n.Value, "${") {
			return nil
		}
		v, err := substituteString(n.Value, lookup)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		n.Value = v
		// A substituted plain scalar is re-typed from its new text.
		if n.Style == 0 {
			n.Tag = ""
		}
	case yaml.MappingNode:
		for i := 1; i < len(n.Content); i += 2 {
			if err := substituteNode(n.Content[i], lookup); err != nil {
				return err
			}
		}
	default:
		for _, c := range n.Content {
			if err := substituteNode(c, lookup); err != nil {
				return err
			}
		}
	}
	return nil
}

func osLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}
