package process

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/mattn/go-shellwords"
)

// Command describes one external process to run
type Command struct {
	// Path is the executable to run
	Path string
	// Args is the argument list. When empty, ArgString is split with shell
	// quoting rules instead.
	Args      []string
	ArgString string
	// Dir is the working directory; empty means the current one
	Dir string
	// Env is merged on top of the agent's own environment
	Env map[string]string
	// Timeout bounds the run; zero means no timeout
	Timeout time.Duration
	// SecretArgs hides argument values from String
	SecretArgs bool
}

// Argv returns the argument list the process is started with
func (c Command) Argv() ([]string, error) {
	if len(c.Args) > 0 || c.ArgString == "" {
		return c.Args, nil
	}
	args, err := shellwords.Parse(c.ArgString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse arguments %q: %w", c.ArgString, err)
	}
	return args, nil
}

// String renders the command line with every argument shell-escaped, so it
// can be pasted back into a shell from the logs.
func (c Command) String() string {
	argv, err := c.Argv()
	if err != nil {
		return shellquote.Join(c.Path) + " " + c.ArgString
	}
	if c.SecretArgs {
		masked := make([]string, len(argv))
		for i := range masked {
			masked[i] = "REDACTED"
		}
		argv = masked
	}
	return shellquote.Join(append([]string{c.Path}, argv...)...)
}

func (c Command) environ() []string {
	env := os.Environ()
	if len(c.Env) == 0 {
		return env
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}
