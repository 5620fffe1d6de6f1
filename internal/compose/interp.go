package compose

import (
	"os"
	"strings"
)

// Interpolate expands ${VAR} and ${VAR:-default} references the way
// compose does. Lookup order is the supplied env map, then the process
// environment, then the default. Unresolvable references expand to "".
// "$$" escapes a literal dollar sign.
func Interpolate(src string, env map[string]string) string {
	return os.Expand(src, func(ref string) string {
		if ref == "$" {
			return "$"
		}
		name, def, hasDefault := strings.Cut(ref, ":-")
		if v, ok := env[name]; ok {
			return v
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if hasDefault {
			return def
		}
		return ""
	})
}
