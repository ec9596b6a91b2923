//go:build windows

package detector

import (
	"strconv"
	"strings"
)

func commandNameArgv(pid int) []string {
	return []string{"tasklist", "/FI", "PID eq " + strconv.Itoa(pid), "/NH", "/FO", "CSV"}
}

func findArgv(needle string) []string {
	escaped := strings.ReplaceAll(needle, "'", "''")
	script := "Get-CimInstance Win32_Process | Where-Object { $_.CommandLine -like '*" + escaped +
		"*' } | Select-Object -ExpandProperty ProcessId"
	return []string{"powershell.exe", "-NoProfile", "-NonInteractive", "-Command", script}
}

func parseCommandName(out []byte) string { return parseTasklist(out) }

// PowerShell already filtered on the command line; rows are bare pids.
func parseFindOutput(out []byte, _ string, self int) []int {
	return parsePIDLines(out, "", self)
}
