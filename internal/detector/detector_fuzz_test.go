package detector

import (
	"os"
	"path/filepath"
	"testing"
)

// FuzzPIDFileDetectorContent ensures pid file parsing does not panic
// on arbitrary file contents and various sizes.
func FuzzPIDFileDetectorContent(f *testing.F) {
	f.Add([]byte("123\n"))
	f.Add([]byte("not-a-number"))
	f.Add([]byte("\n\n"))
	f.Add([]byte("1\n{\"start_unix\":1}\n"))

	f.Fuzz(func(t *testing.T, data []byte) {
		pf := filepath.Join(t.TempDir(), "tor.pid")
		_ = os.WriteFile(pf, data, 0o644)
		_, _ = PIDFileDetector{PIDFile: pf}.Alive()
		_, _ = ReadPIDFile(pf)
	})
}

func FuzzParsePIDLines(f *testing.F) {
	f.Add("1 tor\n2 x\n", "tor")
	f.Add("", "")
	f.Fuzz(func(t *testing.T, out, needle string) {
		for _, pid := range parsePIDLines([]byte(out), needle, 0) {
			if pid <= 0 {
				t.Fatalf("non-positive pid %d", pid)
			}
		}
	})
}
