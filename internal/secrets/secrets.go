// Package secrets resolves $NAME references in configuration values, so
// tokens for remote MCP servers and worker backends stay out of config files.
package secrets

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
)

// Loader retrieves secret values from a source (environment, file, remote
// vault). Missing keys are omitted from the result, not errors.
type Loader func() (map[string]string, error)

// EnvLoader returns a Loader that reads the named environment variables.
func EnvLoader(names ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(names))
		for _, n := range names {
			if v := os.Getenv(n); v != "" {
				vals[n] = v
			}
		}
		return vals, nil
	}
}

// Vault holds secret values in memory and supports atomic reloading.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault builds a Vault, calling the loader once for the initial values.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{values: vals, loader: loader}, nil
}

// Get returns the secret for name, or an empty string when absent.
func (v *Vault) Get(name string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[name]
}

// Reload calls the loader again and swaps in the new values. The previous
// values are kept when the loader fails.
func (v *Vault) Reload() error {
	vals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	v.values = vals
	v.mu.Unlock()
	return nil
}

// Expand resolves $NAME and ${NAME} references in the values of in against
// the vault and returns a new map. Values without references pass through
// unchanged. A reference to a secret the vault does not hold is an error
// rather than a silently empty header.
func (v *Vault) Expand(in map[string]string) (map[string]string, error) {
	if len(in) == 0 {
		return in, nil
	}
	out := make(map[string]string, len(in))
	var missing []string
	for key, val := range in {
		out[key] = os.Expand(val, func(name string) string {
			if !refName(name) {
				return "$" + name
			}
			v.mu.RLock()
			secret, ok := v.values[name]
			v.mu.RUnlock()
			if !ok {
				missing = append(missing, name)
			}
			return secret
		})
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		missing = slices.Compact(missing)
		return nil, fmt.Errorf("unresolved secret references: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Refs returns the sorted distinct names referenced by the values of the
// given maps. Feed the result to EnvLoader to load exactly what a config
// section needs.
func Refs(maps ...map[string]string) []string {
	seen := make(map[string]struct{})
	for _, m := range maps {
		for _, val := range m {
			os.Expand(val, func(name string) string {
				if refName(name) {
					seen[name] = struct{}{}
				}
				return ""
			})
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// refName reports whether name is an identifier-style reference. os.Expand
// also surfaces shell specials like $$ and $1; those are left verbatim.
func refName(name string) bool {
	if name == "" {
		return false
	}
	c := name[0]
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}
