//go:build darwin

package detector

import (
	"strconv"
	"strings"
)

func commandNameArgv(pid int) []string {
	return []string{"ps", "-c", "-p", strconv.Itoa(pid), "-o", "comm="}
}

// ps -A lists everything; matching on the data directory happens in Go.
func findArgv(string) []string {
	return []string{"ps", "-A", "-o", "pid=,command="}
}

func parseCommandName(out []byte) string { return strings.TrimSpace(string(out)) }

func parseFindOutput(out []byte, needle string, self int) []int {
	return parsePIDLines(out, needle, self)
}
