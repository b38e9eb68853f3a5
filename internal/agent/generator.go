package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultGenerateTimeout bounds one generator call.
const DefaultGenerateTimeout = 10 * time.Second

var (
	ErrNoGenerator = errors.New("no generator configured")
	ErrEmptyOutput = errors.New("generator produced no text")
)

// Generator produces one line of status text.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

// ExecGenerator runs an external program per request. The prompt goes to
// its stdin and the first non-empty output line is the answer.
type ExecGenerator struct {
	Path    string
	Args    []string
	Timeout time.Duration // default DefaultGenerateTimeout
}

// NewExecGenerator splits a command line such as "llama-cli -m model.gguf"
// into an ExecGenerator. An empty command returns nil.
func NewExecGenerator(cmdline string, timeout time.Duration) *ExecGenerator {
	argv := strings.Fields(cmdline)
	if len(argv) == 0 {
		return nil
	}
	return &ExecGenerator{Path: argv[0], Args: argv[1:], Timeout: timeout}
}

// Generate implements Generator.
func (g *ExecGenerator) Generate(ctx context.Context, system, user string) (string, error) {
	if g == nil || g.Path == "" {
		return "", ErrNoGenerator
	}
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultGenerateTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.Path, g.Args...)
	cmd.Stdin = strings.NewReader(system + "\n\n" + user + "\n")
	// Killed children may leave grandchildren holding the pipe
	cmd.WaitDelay = time.Second

	out, err := cmd.Output()
	if ctx.Err() != nil {
		return "", fmt.Errorf("generator %s: %w", g.Path, ctx.Err())
	}
	if err != nil {
		return "", fmt.Errorf("generator %s: %w", g.Path, err)
	}

	line := firstLine(out)
	if line == "" {
		return "", ErrEmptyOutput
	}
	return line, nil
}

// firstLine returns the first line with visible text, trimmed.
func firstLine(out []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			return line
		}
	}
	return ""
}
