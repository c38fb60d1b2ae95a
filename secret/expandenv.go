package secret

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
)

// ErrMissingEnv indicates ${VAR} references to unset environment variables.
var ErrMissingEnv = errors.New("secret: missing required environment variables")

// bracedVar matches ${VAR} and the $$ escape, so an escaped "$${VAR}" is
// never treated as a reference.
var bracedVar = regexp.MustCompile(`\$(?:\$|\{([A-Za-z_][A-Za-z0-9_]*)\})`)

// ExpandEnvStrict expands $VAR and ${VAR} in s. Every ${VAR} must be set;
// a bare $VAR that is unset expands to the empty string. $$ is a literal $.
func ExpandEnvStrict(s string) (string, error) {
	if missing := missingEnv(s); len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingEnv, strings.Join(missing, ", "))
	}
	return os.Expand(s, func(name string) string {
		if name == "$" {
			return "$"
		}
		return os.Getenv(name)
	}), nil
}

func missingEnv(s string) []string {
	var missing []string
	for _, m := range bracedVar.FindAllStringSubmatch(s, -1) {
		name := m[1]
		if name == "" {
			continue
		}
		if _, ok := os.LookupEnv(name); !ok {
			missing = append(missing, name)
		}
	}
	slices.Sort(missing)
	return slices.Compact(missing)
}
