package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type pidMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// ReadPIDFile returns the pid on the first line of path.
func ReadPIDFile(path string) (int, error) {
	pid, _, err := readPIDFile(path)
	return pid, err
}

func readPIDFile(path string) (int, pidMeta, error) {
	var meta pidMeta
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, meta, err
	}
	// First line is the pid as Tor writes it; an optional second line carries meta JSON.
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, meta, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, meta, fmt.Errorf("invalid pid in %s: %d", path, pid)
	}
	if len(lines) >= 2 {
		_ = json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &meta)
	}
	return pid, meta, nil
}

// StampPIDFile rewrites path with pid and its start time so a later
// PIDFileDetector can tell a reused pid from the original process.
func StampPIDFile(path string, pid int) error {
	meta := pidMeta{StartUnix: StartUnix(pid)}
	mb, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	content := strconv.Itoa(pid) + "\n" + string(mb) + "\n"
	return os.WriteFile(path, []byte(content), 0o600)
}

// PIDFileDetector detects a process via a PID file.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive() (bool, error) {
	pid, meta, err := readPIDFile(d.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if meta.StartUnix > 0 {
		cur := StartUnix(pid)
		if cur > 0 && cur != meta.StartUnix {
			return false, nil // PID reused; not our process
		}
	}
	return PIDAlive(pid), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return PIDAlive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }
