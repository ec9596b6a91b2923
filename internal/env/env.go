// Package env composes the environment of the Tor child process.
package env

import (
	"os"
	"runtime"
	"slices"
	"strings"
)

// Env layers overrides on top of a base environment, os.Environ() unless
// WithBase was called. Values may reference other variables as ${NAME}.
type Env struct {
	base      map[string]string
	overrides map[string]string
}

func New() *Env { return &Env{overrides: map[string]string{}} }

// WithBase replaces the inherited environment with kv ("K=V" pairs).
func (e *Env) WithBase(kv []string) *Env {
	e.base = parse(kv)
	return e
}

// Set overrides K for the child.
func (e *Env) Set(k, v string) *Env {
	if k != "" {
		e.overrides[k] = v
	}
	return e
}

func (e *Env) Unset(k string) *Env {
	delete(e.overrides, k)
	return e
}

// LibraryPathVar is the dynamic loader search variable for this OS, or ""
// on Windows where DLLs next to tor.exe are found without one.
func LibraryPathVar() string {
	switch runtime.GOOS {
	case "windows":
		return ""
	case "darwin":
		return "DYLD_LIBRARY_PATH"
	default:
		return "LD_LIBRARY_PATH"
	}
}

// WithLibraryDir puts dir in front of the loader search path so a bundled
// tor finds its shared libraries.
func (e *Env) WithLibraryDir(dir string) *Env {
	key := LibraryPathVar()
	if dir == "" || key == "" {
		return e
	}
	cur, ok := e.overrides[key]
	if !ok {
		cur = e.inherited()[key]
	}
	if cur != "" {
		dir += string(os.PathListSeparator) + cur
	}
	return e.Set(key, dir)
}

// Merge returns base, overrides and then extra ("K=V") as a key-sorted list.
// ${NAME} references are resolved once against the merged set; unknown
// names are kept verbatim.
func (e *Env) Merge(extra []string) []string {
	merged := make(map[string]string, len(e.inherited())+len(e.overrides)+len(extra))
	for k, v := range e.inherited() {
		merged[k] = v
	}
	for k, v := range e.overrides {
		merged[k] = v
	}
	for k, v := range parse(extra) {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+resolve(v, merged))
	}
	slices.Sort(out)
	return out
}

func (e *Env) inherited() map[string]string {
	if e.base == nil {
		e.base = parse(os.Environ())
	}
	return e.base
}

// parse drops entries without '=' or with an empty key.
func parse(kv []string) map[string]string {
	m := make(map[string]string, len(kv))
	for _, s := range kv {
		k, v, ok := strings.Cut(s, "=")
		if ok && k != "" {
			m[k] = v
		}
	}
	return m
}

func resolve(s string, vars map[string]string) string {
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
		if v, ok := vars[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
