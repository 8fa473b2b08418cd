package pipeline

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ConfigError is a hard configuration failure detected before any process
// starts: an unknown tool, a missing required parameter, or an invalid
// timeout value.
type ConfigError struct {
	Tool   string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error for tool %s: %s", e.Tool, e.Reason)
}

var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

// BuildCommand renders a tool template into an executable command line.
// Placeholders in the base command are required: any left unresolved is a
// ConfigError. Flag fragments are appended only when every placeholder they
// reference is present in params, and are emitted in deterministic order.
func BuildCommand(tool string, tmpl ToolTemplate, params map[string]string) (string, error) {
	cmd := substitute(tmpl.Command, params)

	if missing := unresolved(cmd); len(missing) > 0 {
		return "", &ConfigError{
			Tool:   tool,
			Reason: fmt.Sprintf("missing required parameters: %s", strings.Join(missing, ", ")),
		}
	}

	flagNames := make([]string, 0, len(tmpl.Flags))
	for name := range tmpl.Flags {
		flagNames = append(flagNames, name)
	}
	sort.Strings(flagNames)

	for _, name := range flagNames {
		fragment := substitute(tmpl.Flags[name], params)
		if len(unresolved(fragment)) > 0 {
			continue
		}
		cmd += " " + fragment
	}

	return cmd, nil
}

func substitute(s string, params map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		key := strings.Trim(m, "{}")
		if v, ok := params[key]; ok && v != "" {
			return v
		}
		return m
	})
}

func unresolved(s string) []string {
	matches := placeholderRe.FindAllStringSubmatch(s, -1)
	var names []string
	seen := make(map[string]struct{})
	for _, m := range matches {
		if _, dup := seen[m[1]]; !dup {
			seen[m[1]] = struct{}{}
			names = append(names, m[1])
		}
	}
	return names
}
