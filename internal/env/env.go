// Package env composes the environment handed to ffmpeg workers: the daemon's
// own environment, then values from env files, then explicit KEY=VALUE pairs.
package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env is immutable once built; WithSet returns a modified copy so a single
// Env can be shared by concurrent spawns.
type Env struct {
	vars  Var
	useOS bool
}

func New() *Env { return &Env{vars: make(Var), useOS: true} }

// WithoutOS returns a copy that does not inherit the daemon's environment.
func (e *Env) WithoutOS() *Env {
	c := e.clone()
	c.useOS = false
	return c
}

// WithSet returns a copy with k=v applied.
func (e *Env) WithSet(k, v string) *Env {
	c := e.clone()
	if k != "" {
		c.vars[k] = v
	}
	return c
}

// WithPairs applies each "KEY=VALUE" entry in order; malformed entries are skipped.
func (e *Env) WithPairs(pairs []string) *Env {
	c := e.clone()
	for _, kv := range pairs {
		if k, v, ok := split(kv); ok {
			c.vars[k] = v
		}
	}
	return c
}

// WithFile applies the entries of a .env file.
func (e *Env) WithFile(path string) (*Env, error) {
	pairs, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return e.WithPairs(pairs), nil
}

// Merge returns the final "KEY=VALUE" list, with extra applied last and
// ${VAR} references expanded against the composed map. Output is sorted.
func (e *Env) Merge(extra []string) []string {
	m := make(Var)
	if e.useOS {
		for _, kv := range os.Environ() {
			if k, v, ok := split(kv); ok {
				m[k] = v
			}
		}
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for _, kv := range extra {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// LoadFile parses KEY=VALUE lines; blank lines and lines starting with # are ignored.
func LoadFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := split(line); ok {
			out = append(out, strings.TrimSpace(k)+"="+strings.TrimSpace(v))
		}
	}
	return out, nil
}

func (e *Env) clone() *Env {
	c := &Env{vars: make(Var, len(e.vars)), useOS: e.useOS}
	for k, v := range e.vars {
		c.vars[k] = v
	}
	return c
}

func split(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return "", "", false
	}
	return k, v, true
}

// expand replaces ${VAR} references in a single pass; values are not
// re-expanded and unknown references are kept verbatim.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
