// Package security provides the content encryption envelope and identifier
// validation used by the persistence layer.
package security

import (
	"errors"
	"fmt"
	"sync"
)

// ErrBadIdentifier indicates a table or schema name containing characters
// outside the safe charset.
var ErrBadIdentifier = errors.New("unsafe sql identifier")

// ValidateTableName checks that name contains only [A-Za-z0-9_] and is
// non-empty. Table names are interpolated into SQL text, so anything else
// is rejected outright.
func ValidateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrBadIdentifier)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return fmt.Errorf("%w: %q", ErrBadIdentifier, name)
		}
	}
	return nil
}

// TableResolver resolves and caches validated table names. Names are
// validated once; later lookups hit the cache.
type TableResolver struct {
	mu       sync.RWMutex
	resolved map[string]string

	// quoted controls Postgres-style quoting: "schema"."name".
	quoted bool
	schema string
}

// NewTableResolver creates a resolver. When schema is non-empty the
// resolved names are quoted Postgres identifiers; otherwise names are
// returned bare (SQLite).
func NewTableResolver(schema string) *TableResolver {
	return &TableResolver{
		resolved: make(map[string]string),
		quoted:   schema != "",
		schema:   schema,
	}
}

// Resolve validates name once and returns its backend-appropriate form.
func (r *TableResolver) Resolve(name string) (string, error) {
	r.mu.RLock()
	if got, ok := r.resolved[name]; ok {
		r.mu.RUnlock()
		return got, nil
	}
	r.mu.RUnlock()

	if err := ValidateTableName(name); err != nil {
		return "", err
	}
	out := name
	if r.quoted {
		out = fmt.Sprintf("%q.%q", r.schema, name)
	}

	r.mu.Lock()
	r.resolved[name] = out
	r.mu.Unlock()
	return out, nil
}
