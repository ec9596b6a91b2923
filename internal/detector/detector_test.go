package detector

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

// startMarked starts a shell that sleeps and carries marker on its command line.
func startMarked(t *testing.T, marker string) *exec.Cmd {
	t.Helper()
	// the trailing "; true" keeps the shell from exec'ing sleep and losing the marker
	// #nosec G204
	cmd := exec.Command("/bin/sh", "-c", "sleep 5; true", marker)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	time.Sleep(50 * time.Millisecond)
	return cmd
}

func TestIsTorName(t *testing.T) {
	cases := []struct {
		name, bin string
		want      bool
	}{
		{"tor", "", true},
		{" tor\n", "", true},
		{"TOR.EXE", "", true},
		{"tor.exe                       1234 Console", "", true},
		{"torbrowser", "", false},
		{"sh", "", false},
		{"", "/usr/bin/tor", false},
		{"tor-0.4.8", "/opt/tor-0.4.8", true},
		{"mytor", "/usr/local/bin/mytor", true},
		{"other", "/usr/bin/tor", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, IsTorName(c.name, c.bin), "IsTorName(%q, %q)", c.name, c.bin)
	}
}

func TestReadPIDFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "tor.pid")
	require.NoError(t, os.WriteFile(p, []byte("4242\n"), 0o600))
	pid, err := ReadPIDFile(p)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	require.NoError(t, os.WriteFile(p, []byte("nope"), 0o600))
	_, err = ReadPIDFile(p)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(p, []byte("-3\n"), 0o600))
	_, err = ReadPIDFile(p)
	assert.Error(t, err)

	_, err = ReadPIDFile(filepath.Join(dir, "missing.pid"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPIDFileDetector_StampedMatches(t *testing.T) {
	requireUnix(t)
	cmd := startMarked(t, "stamped")
	pid := cmd.Process.Pid
	if StartUnix(pid) == 0 {
		t.Skip("process start time unavailable on this platform")
	}

	pidfile := filepath.Join(t.TempDir(), "tor.pid")
	require.NoError(t, StampPIDFile(pidfile, pid))

	alive, err := PIDFileDetector{PIDFile: pidfile}.Alive()
	require.NoError(t, err)
	assert.True(t, alive)
	got, err := ReadPIDFile(pidfile)
	require.NoError(t, err)
	assert.Equal(t, pid, got)
}

func TestPIDFileDetector_ReusedPID(t *testing.T) {
	requireUnix(t)
	cmd := startMarked(t, "reused")
	pid := cmd.Process.Pid
	start := StartUnix(pid)
	if start == 0 {
		t.Skip("process start time unavailable on this platform")
	}

	pidfile := filepath.Join(t.TempDir(), "tor.pid")
	content := strconv.Itoa(pid) + "\n" + `{"start_unix":` + strconv.FormatInt(start+12345, 10) + "}\n"
	require.NoError(t, os.WriteFile(pidfile, []byte(content), 0o600))

	alive, err := PIDFileDetector{PIDFile: pidfile}.Alive()
	require.NoError(t, err)
	assert.False(t, alive, "mismatched start time must read as a different process")
}

func TestPIDFileDetector_PlainAndMissing(t *testing.T) {
	requireUnix(t)
	cmd := startMarked(t, "plain")
	dir := t.TempDir()

	p := filepath.Join(dir, "tor.pid")
	require.NoError(t, os.WriteFile(p, []byte(strconv.Itoa(cmd.Process.Pid)+"\n"), 0o600))
	alive, err := PIDFileDetector{PIDFile: p}.Alive()
	require.NoError(t, err)
	assert.True(t, alive)

	alive, err = PIDFileDetector{PIDFile: filepath.Join(dir, "none.pid")}.Alive()
	require.NoError(t, err)
	assert.False(t, alive)
	assert.Equal(t, "pidfile:"+p, PIDFileDetector{PIDFile: p}.Describe())
}

func TestPIDDetectorAndSignals(t *testing.T) {
	requireUnix(t)
	cmd := startMarked(t, "signals")
	pid := cmd.Process.Pid

	alive, _ := PIDDetector{PID: pid}.Alive()
	assert.True(t, alive)
	assert.Equal(t, "pid:"+strconv.Itoa(pid), PIDDetector{PID: pid}.Describe())

	require.NoError(t, Terminate(pid))
	_ = cmd.Wait()
	assert.False(t, PIDAlive(pid))
	assert.Error(t, Terminate(0))
	assert.Error(t, Kill(-1))
	assert.False(t, PIDAlive(0))
}

func TestPsutilFinder(t *testing.T) {
	requireUnix(t)
	marker := "torvisr-marker-" + filepath.Base(t.TempDir())
	cmd := startMarked(t, marker)

	f := PsutilFinder{}
	pids, err := f.FindByArg(context.Background(), marker)
	require.NoError(t, err)
	assert.Contains(t, pids, cmd.Process.Pid)
	assert.NotContains(t, pids, os.Getpid())

	name, err := f.CommandName(context.Background(), cmd.Process.Pid)
	require.NoError(t, err)
	assert.NotEmpty(t, name)

	none, err := f.FindByArg(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestShellFinderWithFakeRunner(t *testing.T) {
	requireUnix(t)
	var calls [][]string
	f := ShellFinder{Run: func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, append([]string{name}, args...))
		if slices.Contains(args, "comm=") {
			return []byte("tor\n"), nil
		}
		return []byte("101 /usr/bin/tor --DataDirectory /data/TorDataDirectory\n" +
			"202 /bin/bash\n" +
			strconv.Itoa(os.Getpid()) + " go test /data/TorDataDirectory\n"), nil
	}}

	name, err := f.CommandName(context.Background(), 101)
	require.NoError(t, err)
	assert.Equal(t, "tor", name)
	assert.Contains(t, calls[0], "101")

	pids, err := f.FindByArg(context.Background(), "/data/TorDataDirectory")
	require.NoError(t, err)
	assert.Equal(t, []int{101}, pids)
}

func TestShellFinderNoMatchIsNotAnError(t *testing.T) {
	requireUnix(t)
	// a real exit status 1 with empty output, as pgrep reports no match
	exitOne := exec.Command("/bin/sh", "-c", "exit 1").Run()
	f := ShellFinder{Run: func(context.Context, string, ...string) ([]byte, error) {
		return nil, exitOne
	}}
	pids, err := f.FindByArg(context.Background(), "/nowhere")
	require.NoError(t, err)
	assert.Empty(t, pids)

	boom := errors.New("boom")
	f.Run = func(context.Context, string, ...string) ([]byte, error) { return nil, boom }
	_, err = f.FindByArg(context.Background(), "/nowhere")
	assert.ErrorIs(t, err, boom)
	_, err = f.CommandName(context.Background(), 1)
	assert.ErrorIs(t, err, boom)
}

func TestParseTasklist(t *testing.T) {
	out := []byte(`"tor.exe","5120","Console","1","24,512 K"` + "\r\n")
	assert.Equal(t, "tor.exe", parseTasklist(out))
	assert.Equal(t, "", parseTasklist([]byte("INFO: No tasks are running which match the specified criteria.\r\n")))
}

func TestParsePIDLines(t *testing.T) {
	out := []byte("  12 tor -f x\n\nabc def\n0 zero\n34 tor --DataDirectory /d\n")
	assert.Equal(t, []int{34}, parsePIDLines(out, "/d", 12))
	assert.Equal(t, []int{12, 34}, parsePIDLines(out, "", -1))
}
