package shellsession

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CommandWhitelist is the set of command prefixes a session shell may run.
// Anything else is rejected before reaching the operating system.
var CommandWhitelist = []string{
	"ls",
	"pwd",
	"echo",
	"cat",
	"head",
	"tail",
	"grep",
	"find",
	"git status",
	"git diff",
	"git log",
}

// Session variable defaults.
const (
	defaultTimeout = 45    // seconds
	defaultOutMax  = 10000 // bytes of combined output
	defaultHistMax = 300
)

// Result is the outcome of one shell interaction.
type Result struct {
	Status string `json:"status"` // ok, error, empty, passthrough
	Output string `json:"output,omitempty"`
}

func okResult(output string) Result  { return Result{Status: "ok", Output: output} }
func errResult(output string) Result { return Result{Status: "error", Output: output} }

// InteractiveShell is a per-connection command session with its own working
// directory, bounded history and tunable limits. Commands run through the
// host shell but only when they match the whitelist; the session never
// touches the queue dispatcher.
type InteractiveShell struct {
	mu      sync.Mutex
	dir     string
	history []string
	vars    map[string]int
}

// NewInteractiveShell creates a session rooted at workdir.
func NewInteractiveShell(workdir string) *InteractiveShell {
	return &InteractiveShell{
		dir: workdir,
		vars: map[string]int{
			"timeout": defaultTimeout,
			"outmax":  defaultOutMax,
			"histmax": defaultHistMax,
		},
	}
}

// Dir returns the session's current working directory.
func (s *InteractiveShell) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// Execute processes one line of user input: history expansion, built-ins
// (cd, history, set), bang commands, or passthrough for anything else.
func (s *InteractiveShell) Execute(ctx context.Context, input string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execute(ctx, input)
}

func (s *InteractiveShell) execute(ctx context.Context, input string) Result {
	input = strings.TrimSpace(input)
	if input == "" {
		return Result{Status: "empty"}
	}

	// Re-execution forms do not land in history themselves; the command
	// they expand to is appended when it runs.
	if !strings.HasPrefix(input, "!!") && !strings.HasPrefix(input, "!run") && !strings.HasPrefix(input, "!?") {
		s.appendHistory(input)
	}

	switch {
	case strings.HasPrefix(input, "!"):
		return s.handleBang(ctx, input)
	case input == "cd" || strings.HasPrefix(input, "cd "):
		return s.handleCd(input)
	case input == "history" || strings.HasPrefix(input, "history "):
		return s.handleHistory(input)
	case strings.HasPrefix(input, "set "):
		return s.handleSet(input)
	}

	return Result{Status: "passthrough", Output: input}
}

func (s *InteractiveShell) appendHistory(cmd string) {
	s.history = append(s.history, cmd)
	if max := s.vars["histmax"]; len(s.history) > max {
		s.history = s.history[len(s.history)-max:]
	}
}

var searchRe = regexp.MustCompile(`^!\?\s*/(.*?)/(i?)\s*$`)

func (s *InteractiveShell) handleBang(ctx context.Context, input string) Result {
	switch {
	case input == "!!":
		if len(s.history) == 0 {
			return errResult("No commands in history to re-execute.")
		}
		// Re-execution goes back through execute so the repeated command
		// lands in history itself.
		return s.execute(ctx, s.history[len(s.history)-1])

	case strings.HasPrefix(input, "!run "):
		idx, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(input, "!run ")))
		if err != nil {
			return errResult("Usage: !run <history_number>")
		}
		if idx < 1 || idx > len(s.history) {
			return errResult(fmt.Sprintf("Invalid history index: %d", idx))
		}
		return s.execute(ctx, s.history[idx-1])

	case strings.HasPrefix(input, "!?"):
		m := searchRe.FindStringSubmatch(input)
		if m == nil {
			return errResult("Invalid search format. Usage: !? /regex/i")
		}
		pattern := m[1]
		if m[2] == "i" {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return errResult(fmt.Sprintf("Invalid regular expression: %v", err))
		}
		for i := len(s.history) - 1; i >= 0; i-- {
			if re.MatchString(s.history[i]) {
				return s.execute(ctx, s.history[i])
			}
		}
		return errResult(fmt.Sprintf("No command matching /%s/ found", m[1]))
	}

	return s.runSubprocess(ctx, strings.TrimPrefix(input, "!"))
}

// runSubprocess executes a whitelisted command in the session directory.
func (s *InteractiveShell) runSubprocess(ctx context.Context, command string) Result {
	command = strings.TrimSpace(command)
	if !Whitelisted(command) {
		return errResult(fmt.Sprintf("Command not allowed: %q. Only whitelisted commands may run.", command))
	}

	timeout := time.Duration(s.vars["timeout"]) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = s.dir

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return errResult(fmt.Sprintf("Command %q exceeded the %ds time limit.", command, s.vars["timeout"]))
	}

	output := stdout.String()
	if stderr.Len() > 0 {
		output += "\n--- STDERR ---\n" + stderr.String()
	}
	if max := s.vars["outmax"]; len(output) > max {
		output = output[:max] + "\n\n[... OUTPUT TRUNCATED ...]"
	}

	if err != nil && output == "" {
		return errResult(fmt.Sprintf("Error executing command: %v", err))
	}
	return okResult(output)
}

// Whitelisted reports whether command matches an allowed prefix.
func Whitelisted(command string) bool {
	for _, prefix := range CommandWhitelist {
		if strings.HasPrefix(command, prefix) {
			return true
		}
	}
	return false
}

func (s *InteractiveShell) handleCd(input string) Result {
	parts := strings.SplitN(strings.TrimSpace(input), " ", 2)
	if len(parts) == 1 {
		return okResult("Current directory: " + s.dir)
	}

	target := parts[1]
	next := target
	if !filepath.IsAbs(target) {
		next = filepath.Join(s.dir, target)
	}
	next = filepath.Clean(next)

	if !isDir(next) {
		return errResult("Directory not found: " + next)
	}
	s.dir = next
	return okResult("Current directory: " + s.dir)
}

func (s *InteractiveShell) handleHistory(input string) Result {
	parts := strings.Fields(input)

	limit := 0
	var pattern string
	for i, part := range parts {
		if part == "-n" {
			if i+1 >= len(parts) {
				return errResult("Usage: history -n <number>")
			}
			n, err := strconv.Atoi(parts[i+1])
			if err != nil {
				return errResult("Usage: history -n <number>")
			}
			limit = n
		}
		if len(part) >= 2 && strings.HasPrefix(part, "/") && strings.HasSuffix(part, "/") {
			pattern = part[1 : len(part)-1]
		}
	}

	// Exclude the history command itself.
	entries := s.history[:len(s.history)-1]
	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return errResult("Invalid regular expression.")
		}
		var filtered []string
		for _, cmd := range entries {
			if re.MatchString(cmd) {
				filtered = append(filtered, cmd)
			}
		}
		entries = filtered
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	var lines []string
	for i, cmd := range entries {
		lines = append(lines, fmt.Sprintf("%d: %s", i+1, cmd))
	}
	return okResult(strings.Join(lines, "\n"))
}

func (s *InteractiveShell) handleSet(input string) Result {
	parts := strings.Fields(input)
	if len(parts) != 3 {
		return errResult("Usage: set <variable> <numeric_value>")
	}
	value, err := strconv.Atoi(parts[2])
	if err != nil {
		return errResult("Usage: set <variable> <numeric_value>")
	}
	name := parts[1]
	if _, ok := s.vars[name]; !ok {
		return errResult("Unknown variable: " + name)
	}
	s.vars[name] = value
	if name == "histmax" && len(s.history) > value {
		s.history = s.history[len(s.history)-value:]
	}
	return okResult(fmt.Sprintf("%s updated to %d.", name, value))
}
