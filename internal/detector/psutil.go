package detector

import (
	"context"
	"os"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// PsutilFinder walks the process table through gopsutil. It needs no
// external tools and is the default Finder.
type PsutilFinder struct{}

func (PsutilFinder) CommandName(ctx context.Context, pid int) (string, error) {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return "", err
	}
	return p.NameWithContext(ctx)
}

func (PsutilFinder) FindByArg(ctx context.Context, needle string) ([]int, error) {
	if needle == "" {
		return nil, nil
	}
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	self := int32(os.Getpid())
	var out []int
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue // exited or not ours to read
		}
		if strings.Contains(cmdline, needle) {
			out = append(out, int(p.Pid))
		}
	}
	return out, nil
}
