//go:build !windows && !darwin

package detector

import (
	"strconv"
	"strings"
)

func commandNameArgv(pid int) []string {
	return []string{"ps", "-p", strconv.Itoa(pid), "-o", "comm="}
}

func findArgv(needle string) []string {
	return []string{"pgrep", "-af", needle}
}

func parseCommandName(out []byte) string { return strings.TrimSpace(string(out)) }

func parseFindOutput(out []byte, needle string, self int) []int {
	return parsePIDLines(out, needle, self)
}
