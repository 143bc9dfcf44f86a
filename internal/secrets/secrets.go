// Package secrets resolves named credentials injected by the environment and
// masks their values wherever run output is logged or persisted.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Mask replaces every secret value in redacted text.
const Mask = "***"

// ErrMissing is returned when a referenced secret has no value in the store.
var ErrMissing = errors.New("secret not set")

// Store looks up secret values by the name the pipeline references.
type Store interface {
	Lookup(name string) (string, bool)
}

// EnvStore reads secrets from environment variables, optionally prefixed.
type EnvStore struct {
	Prefix string
}

func (s EnvStore) Lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(s.Prefix + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// MapStore is an in-memory Store.
type MapStore map[string]string

func (m MapStore) Lookup(name string) (string, bool) {
	v, ok := m[name]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Set holds the resolved values of one run, keyed by logical name.
type Set struct {
	values map[string]string
}

// Resolve looks up every store name in refs (logical name -> store name).
// All missing names are reported together.
func Resolve(store Store, refs map[string]string) (*Set, error) {
	set := &Set{values: make(map[string]string, len(refs))}
	var missing []string
	for logical, name := range refs {
		v, ok := store.Lookup(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		set.values[logical] = v
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
	}
	return set, nil
}

// Get returns the value of a logical secret name.
func (s *Set) Get(logical string) (string, error) {
	if s == nil {
		return "", fmt.Errorf("%w: %s", ErrMissing, logical)
	}
	v, ok := s.values[logical]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissing, logical)
	}
	return v, nil
}

// Values returns every resolved value, for registration with a Redactor.
func (s *Set) Values() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.values))
	for _, v := range s.values {
		out = append(out, v)
	}
	return out
}

// Redactor masks registered values in text. It is safe for concurrent use.
type Redactor struct {
	mu       sync.RWMutex
	values   map[string]struct{}
	replacer *strings.Replacer
}

func NewRedactor(values ...string) *Redactor {
	r := &Redactor{values: make(map[string]struct{})}
	r.Add(values...)
	return r
}

// Add registers values to mask. Multi-line values are also masked line by
// line so a partially printed key is still hidden.
func (r *Redactor) Add(values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range values {
		r.addLocked(v)
		if strings.Contains(v, "\n") {
			for _, line := range strings.Split(v, "\n") {
				r.addLocked(line)
			}
		}
	}
	r.rebuildLocked()
}

func (r *Redactor) addLocked(v string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	r.values[v] = struct{}{}
}

func (r *Redactor) rebuildLocked() {
	keys := make([]string, 0, len(r.values))
	for v := range r.values {
		keys = append(keys, v)
	}
	// longest first so a value containing another is masked whole
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, k, Mask)
	}
	r.replacer = strings.NewReplacer(pairs...)
}

// Redact returns s with every registered value replaced by Mask.
func (r *Redactor) Redact(s string) string {
	if r == nil {
		return s
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.replacer == nil {
		return s
	}
	return r.replacer.Replace(s)
}

// RedactError returns the redacted message of err, or "" for nil.
func (r *Redactor) RedactError(err error) string {
	if err == nil {
		return ""
	}
	return r.Redact(err.Error())
}
