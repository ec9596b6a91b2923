package env

import (
	"strings"
	"testing"
)

func FuzzMerge(f *testing.F) {
	f.Add("A=1\nB=${A}-x", "C=${B}-y")
	f.Add("LD_LIBRARY_PATH=/usr/lib", "LD_LIBRARY_PATH=${LD_LIBRARY_PATH}:/opt")
	f.Add("X=${Y}", "Y=${X}")
	f.Add("=", "${")

	f.Fuzz(func(t *testing.T, base, extra string) {
		out := New().WithBase(strings.Split(base, "\n")).Merge(strings.Split(extra, "\n"))
		seen := map[string]bool{}
		for _, kv := range out {
			k, _, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				t.Fatalf("malformed entry %q", kv)
			}
			if seen[k] {
				t.Fatalf("duplicate key %q", k)
			}
			seen[k] = true
		}
		if !strings.Contains(base+extra, "${") {
			for _, kv := range out {
				if strings.Contains(kv, "${") {
					t.Fatalf("placeholder appeared from nowhere: %q", kv)
				}
			}
		}
	})
}
