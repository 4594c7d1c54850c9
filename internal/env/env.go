// Package env composes the environment handed to broker processes.
package env

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers variables on top of an optional OS base.
type Env struct {
	Var  Var // overrides (K->V)
	base Var
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.base = Parse(os.Environ())
}

// Set sets a variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a variable from the overrides.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Apply adds every "K=V" entry as an override.
func (e *Env) Apply(kvs []string) {
	for k, v := range Parse(kvs) {
		e.Set(k, v)
	}
}

// LoadFile applies the KEY=VALUE lines of a dotenv-style file. Blank lines,
// comments and a leading "export " are ignored; values may be quoted.
func (e *Env) LoadFile(path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return fmt.Errorf("%s:%d: expected KEY=VALUE", path, n)
		}
		e.Set(k, unquote(strings.TrimSpace(v)))
	}
	return sc.Err()
}

// Merge returns the composed environment as sorted "K=V" entries. ${VAR}
// and $VAR references are expanded against the composed map; unknown
// references expand to the empty string.
func (e *Env) Merge() []string {
	m := make(Var, len(e.base)+len(e.Var))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+os.Expand(v, func(ref string) string { return m[ref] }))
	}
	sort.Strings(out)
	return out
}

// Parse turns "K=V" entries into a map, skipping malformed ones.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	return m
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' && v[len(v)-1] == '"' || v[0] == '\'' && v[len(v)-1] == '\'') {
		return v[1 : len(v)-1]
	}
	return v
}
