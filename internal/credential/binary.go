package credential

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// BinaryHasher asks the tor executable itself for the hash. It is a scoped,
// synchronous subprocess call kept for Tor builds whose hashing differs.
type BinaryHasher struct {
	Path string
	Env  []string
}

func (h BinaryHasher) Hash(ctx context.Context, password string) (string, error) {
	if strings.TrimSpace(h.Path) == "" {
		return "", &HashGenerationError{Err: errors.New("tor path is empty")}
	}
	// #nosec G204 -- path comes from configuration, password is hex
	cmd := exec.CommandContext(ctx, h.Path, "--quiet", "--hash-password", password)
	if len(h.Env) > 0 {
		cmd.Env = h.Env
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return "", &HashGenerationError{Err: err}
	}
	hashed := lastLine(stdout.String())
	if hashed == "" {
		return "", &HashGenerationError{Err: errors.New("tor printed no hash")}
	}
	return hashed, nil
}

// lastLine skips any warnings tor prints ahead of the hash.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
