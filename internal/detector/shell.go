package detector

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// RunFunc executes a command and returns its standard output.
type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// ShellFinder shells out to the platform's own process tools (ps, pgrep,
// tasklist, PowerShell). Run may be replaced in tests.
type ShellFinder struct {
	Run RunFunc
}

func (f ShellFinder) run(ctx context.Context, argv []string) ([]byte, error) {
	run := f.Run
	if run == nil {
		run = execRun
	}
	return run(ctx, argv[0], argv[1:]...)
}

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	// #nosec G204
	return exec.CommandContext(ctx, name, args...).Output()
}

func (f ShellFinder) CommandName(ctx context.Context, pid int) (string, error) {
	out, err := f.run(ctx, commandNameArgv(pid))
	if err != nil {
		return "", err
	}
	return parseCommandName(out), nil
}

func (f ShellFinder) FindByArg(ctx context.Context, needle string) ([]int, error) {
	if needle == "" {
		return nil, nil
	}
	out, err := f.run(ctx, findArgv(needle))
	if err != nil {
		// pgrep exits 1 when nothing matched
		var ee *exec.ExitError
		if errors.As(err, &ee) && ee.ExitCode() == 1 && len(out) == 0 {
			return nil, nil
		}
		return nil, err
	}
	return parseFindOutput(out, needle, os.Getpid()), nil
}

// parseTasklist extracts the image name from tasklist CSV output.
func parseTasklist(out []byte) string {
	r := csv.NewReader(strings.NewReader(string(out)))
	r.FieldsPerRecord = -1
	recs, err := r.ReadAll()
	if err != nil {
		return ""
	}
	for _, rec := range recs {
		if len(rec) >= 2 {
			if _, err := strconv.Atoi(strings.TrimSpace(rec[1])); err == nil {
				return strings.TrimSpace(rec[0])
			}
		}
	}
	return ""
}

// parsePIDLines reads "PID [command line...]" rows. When needle is set only
// rows whose remainder contains it are kept. self is always excluded.
func parsePIDLines(out []byte, needle string, self int) []int {
	var pids []int
	s := bufio.NewScanner(strings.NewReader(string(out)))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		head, rest, _ := strings.Cut(line, " ")
		pid, err := strconv.Atoi(head)
		if err != nil || pid <= 0 || pid == self {
			continue
		}
		if needle != "" && !strings.Contains(rest, needle) {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}
