package env

import (
	"os"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookup(kvs []string, key string) (string, bool) {
	for _, kv := range kvs {
		if v, ok := strings.CutPrefix(kv, key+"="); ok {
			return v, true
		}
	}
	return "", false
}

func TestMergeLayers(t *testing.T) {
	out := New().
		WithBase([]string{"HOME=/home/quiet", "A=os", "NOEQUALS"}).
		Set("A", "override").
		Set("TOR_DIR", "${HOME}/tor").
		Merge([]string{"B=${A}-extra", "=broken", "C=${MISSING}/x"})

	v, _ := lookup(out, "A")
	assert.Equal(t, "override", v)
	v, _ = lookup(out, "B")
	assert.Equal(t, "override-extra", v)
	v, _ = lookup(out, "TOR_DIR")
	assert.Equal(t, "/home/quiet/tor", v)
	v, _ = lookup(out, "C")
	assert.Equal(t, "${MISSING}/x", v)
	_, ok := lookup(out, "NOEQUALS")
	assert.False(t, ok)
	assert.IsNonDecreasing(t, out)
	for _, kv := range out {
		assert.False(t, strings.HasPrefix(kv, "="), kv)
	}
}

func TestUnsetAndInherit(t *testing.T) {
	t.Setenv("TORVISR_ENV_PROBE", "inherited")
	out := New().Set("X", "1").Unset("X").Merge(nil)
	_, ok := lookup(out, "X")
	assert.False(t, ok)
	v, _ := lookup(out, "TORVISR_ENV_PROBE")
	assert.Equal(t, "inherited", v)
}

func TestResolve(t *testing.T) {
	vars := map[string]string{"A": "1", "B": "${A}"}
	assert.Equal(t, "1-1", resolve("${A}-${A}", vars))
	assert.Equal(t, "${A}", resolve("${B}", vars), "single pass")
	assert.Equal(t, "x${A", resolve("x${A", vars))
	assert.Equal(t, "$A", resolve("$A", vars))
}

func TestWithLibraryDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no loader path variable on windows")
	}
	key := LibraryPathVar()
	require.NotEmpty(t, key)

	out := New().WithBase([]string{key + "=/usr/lib"}).WithLibraryDir("/opt/tor/lib").Merge(nil)
	v, _ := lookup(out, key)
	assert.Equal(t, "/opt/tor/lib"+string(os.PathListSeparator)+"/usr/lib", v)

	out = New().WithBase(nil).WithLibraryDir("/opt/tor/lib").Merge(nil)
	v, _ = lookup(out, key)
	assert.Equal(t, "/opt/tor/lib", v)

	out = New().WithBase(nil).WithLibraryDir("").Merge(nil)
	_, ok := lookup(out, key)
	assert.False(t, ok)
}
