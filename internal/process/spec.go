package process

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/loykin/torvisr/internal/logger"
)

// Spec describes one Tor daemon launch.
type Spec struct {
	Name           string            `json:"name"`
	TorPath        string            `json:"tor_path"`
	SocksPort      int               `json:"socks_port"`
	HTTPTunnelPort int               `json:"http_tunnel_port"`
	ControlPort    int               `json:"control_port"`
	PIDFile        string            `json:"pid_file"`
	DataDir        string            `json:"data_dir"`
	HashedPassword string            `json:"-"`
	WorkDir        string            `json:"work_dir"`   // child's working directory, ours when empty
	ExtraArgs      []string          `json:"extra_args"` // appended after the fixed arguments
	Log            logger.FileConfig `json:"log"`
}

// Args returns the fixed launch arguments followed by ExtraArgs.
func (s Spec) Args() []string {
	args := []string{
		"--SocksPort", strconv.Itoa(s.SocksPort),
		"--HTTPTunnelPort", strconv.Itoa(s.HTTPTunnelPort),
		"--ControlPort", strconv.Itoa(s.ControlPort),
		"--PidFile", s.PIDFile,
		"--DataDirectory", s.DataDir,
		"--HashedControlPassword", s.HashedPassword,
	}
	return append(args, s.ExtraArgs...)
}

// Validate checks that every fixed argument is present.
func (s Spec) Validate() error {
	var errs []error
	if s.TorPath == "" {
		errs = append(errs, errors.New("tor path is required"))
	}
	if s.DataDir == "" {
		errs = append(errs, errors.New("data directory is required"))
	}
	if s.PIDFile == "" {
		errs = append(errs, errors.New("pid file is required"))
	}
	if s.HashedPassword == "" {
		errs = append(errs, errors.New("hashed control password is required"))
	}
	for name, p := range map[string]int{"socks": s.SocksPort, "http tunnel": s.HTTPTunnelPort, "control": s.ControlPort} {
		if p < 1 || p > 65535 {
			errs = append(errs, fmt.Errorf("%s port %d out of range", name, p))
		}
	}
	return errors.Join(errs...)
}

// BuildCommand constructs the *exec.Cmd without starting it.
func (s Spec) BuildCommand() *exec.Cmd {
	// #nosec G204
	cmd := exec.Command(s.TorPath, s.Args()...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	return cmd
}

func (s Spec) name() string {
	if s.Name == "" {
		return "tor"
	}
	return s.Name
}
