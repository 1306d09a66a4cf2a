package model

import (
	"os"
	"strings"
)

// Command is an executable together with the environment it runs in.
// It is built once and not modified during a run.
type Command struct {
	Path string
	Args []string
	Dir  string
	// Env replaces the environment of the child when non-nil.
	Env []string
}

// NewCommand splits a token sequence into executable and arguments.
func NewCommand(tokens ...string) (Command, error) {
	if len(tokens) == 0 || tokens[0] == "" {
		return Command{}, ErrEmptyCommand
	}
	return Command{
		Path: tokens[0],
		Args: append([]string(nil), tokens[1:]...),
	}, nil
}

// Tokens returns the full command line.
func (c Command) Tokens() []string {
	return append([]string{c.Path}, c.Args...)
}

func (c Command) String() string {
	return strings.Join(c.Tokens(), " ")
}

// EnvFromMap converts a key/value mapping into an environment list.
// Values starting with $ are expanded from the current environment.
func EnvFromMap(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	env := make([]string, 0, len(m))
	for k, v := range m {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return env
}
