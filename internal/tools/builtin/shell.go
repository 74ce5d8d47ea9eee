package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/xiaot623/aiva/internal/domain"
	"github.com/xiaot623/aiva/internal/tools"
)

const maxShellOutput = 64 << 10

var ErrCommandNotAllowed = errors.New("command not allowlisted")

var bashDescriptor = domain.ToolDescriptor{
	Name:         "bash",
	Description:  "Run an allowlisted command and return its output. No shell features such as pipes.",
	Capabilities: []string{CapShellExec},
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {"cmd": {"type": "string", "description": "The command line to execute"}},
		"required": ["cmd"]
	}`),
	TimeoutMs: 30000,
}

type bashArgs struct {
	Cmd string `json:"cmd"`
}

type shellTool struct {
	allow []string
	dir   string
}

func (s *shellTool) run(ctx context.Context, call tools.Call) (json.RawMessage, error) {
	args, err := decodeArgs[bashArgs](call.Args)
	if err != nil {
		return nil, err
	}
	argv, err := shlex.Split(args.Cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("command must be provided")
	}
	name := argv[0]
	if strings.ContainsRune(name, filepath.Separator) || !slices.Contains(s.allow, name) {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotAllowed, name)
	}

	cmd := exec.CommandContext(ctx, name, argv[1:]...)
	cmd.Dir = s.dir
	cmd.WaitDelay = time.Second
	stdout := &limitedBuffer{limit: maxShellOutput}
	stderr := &limitedBuffer{limit: maxShellOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("failed to run %s: %w", name, runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	output := strings.TrimSpace(stdout.String())
	if exitCode != 0 {
		output = strings.TrimSpace(stderr.String())
	}
	return encodeResult(map[string]any{
		"exit_code": exitCode,
		"output":    output,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"truncated": stdout.truncated || stderr.truncated,
	})
}

// limitedBuffer keeps the first limit bytes and discards the rest.
type limitedBuffer struct {
	limit     int
	buf       bytes.Buffer
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string { return b.buf.String() }
