package descriptor

import (
	"os"
	"regexp"
)

// placeholder matches ${NAME} and ${NAME:default}.
var placeholder = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// LookupFunc resolves a placeholder name.
type LookupFunc func(name string) (string, bool)

// EnvLookup resolves placeholders from the process environment.
func EnvLookup(name string) (string, bool) {
	return os.LookupEnv(name)
}

// Expand returns a copy of props with placeholders substituted.
//
// A placeholder with no value and no default is left as written so that a
// missing variable shows up verbatim in validation output.
func Expand(props map[string]string, lookup LookupFunc) map[string]string {
	if lookup == nil {
		lookup = EnvLookup
	}
	out := make(map[string]string, len(props))
	for k, v := range props {
		out[k] = ExpandValue(v, lookup)
	}
	return out
}

// ExpandValue substitutes placeholders in a single value.
func ExpandValue(value string, lookup LookupFunc) string {
	return placeholder.ReplaceAllStringFunc(value, func(match string) string {
		groups := placeholder.FindStringSubmatch(match)
		name := groups[1]
		if v, ok := lookup(name); ok {
			return v
		}
		// groups[2] is "" both for "${X:}" and "${X}"; only the former has a default.
		if len(match) > len(name)+3 {
			return groups[2]
		}
		return match
	})
}
