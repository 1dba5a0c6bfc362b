package driver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// CommandExecutor runs a node as a local subprocess.
//
// The node's config names the command:
//
//	{"command": ["python3", "step.py"], "env": {"MODE": "fast"}}
//
// The run environment is written to stdin as JSON. Each stdout line that
// parses as a JSON object replaces the candidate outputs; the last one wins.
// Objects with "type": "log" and non-JSON lines become log entries instead.
// Stderr lines are logged at error level. A non-zero exit fails the attempt.
type CommandExecutor struct {
	envPassthrough map[string]string
	cwd            string
	waitDelay      time.Duration
}

// CommandConfig holds configuration for the command executor.
type CommandConfig struct {
	// EnvPassthrough contains environment variables to pass to all subprocesses
	EnvPassthrough map[string]string

	// CWD is the working directory for subprocesses (empty = inherit)
	CWD string

	// WaitDelay bounds how long output is drained after the process is
	// killed (default: 5s)
	WaitDelay time.Duration
}

// NewCommandExecutor creates a new command executor.
func NewCommandExecutor(cfg *CommandConfig) *CommandExecutor {
	if cfg == nil {
		cfg = &CommandConfig{}
	}
	waitDelay := cfg.WaitDelay
	if waitDelay <= 0 {
		waitDelay = 5 * time.Second
	}
	return &CommandExecutor{
		envPassthrough: cfg.EnvPassthrough,
		cwd:            cfg.CWD,
		waitDelay:      waitDelay,
	}
}

func (d *CommandExecutor) Execute(ctx context.Context, node types.Node, inputs map[string]any, ectx *ExecContext) (map[string]any, error) {
	argv, err := commandArgs(node.Config["command"])
	if err != nil {
		return nil, fmt.Errorf("command node %s: %w", node.ID, err)
	}

	stdin, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("command node %s: encode inputs: %w", node.ID, err)
	}

	// Build merged environment
	mergedEnv := os.Environ()
	for k, v := range d.envPassthrough {
		mergedEnv = append(mergedEnv, fmt.Sprintf("%s=%s", k, v))
	}
	if env, ok := node.Config["env"].(map[string]any); ok {
		for k, v := range env {
			mergedEnv = append(mergedEnv, fmt.Sprintf("%s=%v", k, v))
		}
	}
	if ectx != nil {
		// Always pass run and node IDs
		mergedEnv = append(mergedEnv,
			fmt.Sprintf("RUN_ID=%s", ectx.RunID),
			fmt.Sprintf("NODE_ID=%s", node.ID),
			fmt.Sprintf("ATTEMPT=%d", ectx.Attempt),
		)
	}

	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Env = mergedEnv
	c.Stdin = bytes.NewReader(stdin)
	c.WaitDelay = d.waitDelay
	if d.cwd != "" {
		c.Dir = d.cwd
	}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("command node %s: start: %w", node.ID, err)
	}

	var (
		wg         sync.WaitGroup
		outputs    map[string]any
		lastStderr string
	)
	wg.Add(2)

	// Stdout reader - parse NDJSON
	go func() {
		defer wg.Done()
		scanLines(stdout, func(line string) {
			if obj := d.processStdoutLine(ctx, ectx, line); obj != nil {
				outputs = obj
			}
		})
	}()

	// Stderr reader - emit as error logs
	go func() {
		defer wg.Done()
		scanLines(stderr, func(line string) {
			lastStderr = line
			ectx.Log(ctx, types.LogLevelError, line, nil)
		})
	}()

	wg.Wait()
	err = c.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("command node %s: %w", node.ID, ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if lastStderr != "" {
				return nil, fmt.Errorf("command node %s: exit code %d: %s", node.ID, exitErr.ExitCode(), lastStderr)
			}
			return nil, fmt.Errorf("command node %s: exit code %d", node.ID, exitErr.ExitCode())
		}
		return nil, fmt.Errorf("command node %s: %w", node.ID, err)
	}

	if outputs == nil {
		outputs = map[string]any{}
	}
	return outputs, nil
}

// processStdoutLine logs the line or, when it is an output object, returns it.
func (d *CommandExecutor) processStdoutLine(ctx context.Context, ectx *ExecContext, line string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		// Not valid JSON - emit as plain log
		ectx.Log(ctx, types.LogLevelInfo, line, nil)
		return nil
	}

	if t, _ := obj["type"].(string); t != "log" {
		return obj
	}

	level := types.LogLevelInfo
	if l, ok := obj["level"].(string); ok && l != "" {
		level = types.LogLevel(l)
	}
	msg, _ := obj["message"].(string)
	delete(obj, "type")
	delete(obj, "level")
	delete(obj, "message")
	if len(obj) == 0 {
		obj = nil
	}
	ectx.Log(ctx, level, msg, obj)
	return nil
}

func scanLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	// Increase buffer size for long lines
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fn(line)
	}
}

func commandArgs(v any) ([]string, error) {
	switch c := v.(type) {
	case []string:
		if len(c) > 0 {
			return c, nil
		}
	case []any:
		args := make([]string, 0, len(c))
		for _, a := range c {
			s, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("command arguments must be strings, got %T", a)
			}
			args = append(args, s)
		}
		if len(args) > 0 {
			return args, nil
		}
	case string:
		if fields := strings.Fields(c); len(fields) > 0 {
			return fields, nil
		}
	}
	return nil, fmt.Errorf("empty command")
}
