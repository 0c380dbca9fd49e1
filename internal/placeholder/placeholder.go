// Package placeholder resolves `${name}` tokens embedded in a connection
// URL against process-level properties and environment variables, with a
// strict allowlist grammar rejecting anything else before a connection is
// ever attempted.
package placeholder

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/ojp-proxy/ojp-go/internal/errmap"
)

// allowedPrefixes are the only two namespaces a placeholder name may start
// with: properties the proxy server itself owns, and properties the
// connecting client is allowed to supply.
var allowedPrefixes = []string{"server.", "client."}

// maxTokenLength is the total length cap (prefix + suffix) on a placeholder
// name, per spec.md §4.L.
const maxTokenLength = 211

// suffixPattern matches the portion of the name after an allowed prefix.
var suffixPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,200}$`)

// tokenPattern extracts `${...}` tokens from a URL. A name may not contain
// '}', so `${a}...${b}` resolves as two tokens rather than one spanning both.
var tokenPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// Resolver resolves placeholder tokens. ProcessProperties models the
// "process system property" precedence tier spec.md §6 calls for; Go has
// no first-class system-property store, so these are collected from
// `-D name=value` style CLI flags upstream (see internal/config) and
// passed in here explicitly rather than read from a global.
type Resolver struct {
	ProcessProperties map[string]string
	Getenv            func(string) string
}

// NewResolver builds a Resolver using os.Getenv for the environment tier.
func NewResolver(processProperties map[string]string) *Resolver {
	return &Resolver{ProcessProperties: processProperties, Getenv: os.Getenv}
}

// Resolve walks every `${name}` token in url and substitutes its resolved
// value. Any invalid token name aborts the whole resolution with a
// security-denied error; no connection attempt is made on a partially
// resolved URL.
func (r *Resolver) Resolve(url string) (string, error) {
	var firstErr error
	result := tokenPattern.ReplaceAllStringFunc(url, func(tok string) string {
		if firstErr != nil {
			return tok
		}
		name := tok[2 : len(tok)-1] // strip "${" and "}"
		value, err := r.resolveName(name)
		if err != nil {
			firstErr = err
			return tok
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

func (r *Resolver) resolveName(name string) (string, error) {
	if len(name) == 0 || len(name) > maxTokenLength {
		return "", errmap.New(errmap.KindSecurityDenied, "placeholder name %q has invalid length", name)
	}

	var prefix string
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(name, p) {
			prefix = p
			break
		}
	}
	if prefix == "" {
		return "", errmap.New(errmap.KindSecurityDenied, "placeholder name %q does not start with an allowed prefix", name)
	}

	suffix := name[len(prefix):]
	if !suffixPattern.MatchString(suffix) {
		return "", errmap.New(errmap.KindSecurityDenied, "placeholder name %q has an invalid suffix", name)
	}

	if v, ok := r.ProcessProperties[name]; ok {
		return v, nil
	}

	envName := toEnvName(name)
	if v := r.Getenv(envName); v != "" {
		return v, nil
	}

	return "", errmap.New(errmap.KindSecurityDenied, "placeholder %q has no resolvable value", name)
}

// toEnvName maps a dotted placeholder name to its environment variable
// form: uppercase, with '.' replaced by '_'.
func toEnvName(name string) string {
	upper := strings.ToUpper(name)
	return strings.ReplaceAll(upper, ".", "_")
}

// ValidateOnly checks that every `${name}` token in url is both
// well-formed and resolvable, without returning the substituted URL.
// Resolve performs the same checks, and it is what the statement
// dispatcher's connect path calls before any connection attempt.
func (r *Resolver) ValidateOnly(url string) error {
	_, err := r.Resolve(url)
	if err != nil {
		return fmt.Errorf("validating placeholders: %w", err)
	}
	return nil
}
