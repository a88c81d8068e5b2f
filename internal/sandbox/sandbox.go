// Package sandbox executes the fixed tool vocabulary an agent may use inside
// a workspace directory. Tool failures are reported in the result, not as Go
// errors, so the model can observe them and recover; only programming errors
// (unknown tool, bad arguments shape) surface as errors to the caller.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/logger"
)

// Tool names understood by Execute.
const (
	ToolReadFile     = "read_file"
	ToolWriteFile    = "write_file"
	ToolEditFile     = "edit_file"
	ToolRunBash      = "run_bash"
	ToolGlobFiles    = "glob_files"
	ToolGrepSearch   = "grep_search"
	ToolTaskComplete = "task_complete"
)

// FileAction describes what a file-mutating tool did.
type FileAction string

const (
	ActionCreate FileAction = "create"
	ActionModify FileAction = "modify"
	ActionDelete FileAction = "delete"
)

// FileChange records a mutation so callers can accumulate a change-set
// without re-reading the filesystem.
type FileChange struct {
	Path    string     `json:"path"`
	Action  FileAction `json:"action"`
	Content string     `json:"content,omitempty"`
}

// Call is one tool invocation requested by the model.
type Call struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Result is the outcome of one tool invocation. Result text is already
// truncated to the configured limit before being handed back.
type Result struct {
	Success    bool        `json:"success"`
	Result     string      `json:"result"`
	Truncated  bool        `json:"truncated"`
	FileChange *FileChange `json:"file_change,omitempty"`
}

// Config bounds tool execution.
type Config struct {
	CommandTimeout  time.Duration
	MaxOutputBytes  int
	MaxGlobResults  int
	TruncationLimit int
	Denylist        []string
}

// Sandbox executes tools confined to a workspace root.
type Sandbox struct {
	root     string
	cfg      Config
	denylist *Denylist
	logger   *logger.Logger
}

// New creates a sandbox rooted at dir. The configured denylist entries are
// appended to the built-in defaults.
func New(dir string, cfg Config, log *logger.Logger) (*Sandbox, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 2 * time.Minute
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 1 << 20
	}
	if cfg.MaxGlobResults <= 0 {
		cfg.MaxGlobResults = 200
	}
	if cfg.TruncationLimit <= 0 {
		cfg.TruncationLimit = 20000
	}

	dl, err := NewDenylist(cfg.Denylist)
	if err != nil {
		return nil, fmt.Errorf("compile denylist: %w", err)
	}

	if log == nil {
		log = logger.Default()
	}

	return &Sandbox{
		root:     abs,
		cfg:      cfg,
		denylist: dl,
		logger:   log.WithComponent("sandbox"),
	}, nil
}

// Root returns the workspace directory the sandbox is confined to.
func (s *Sandbox) Root() string {
	return s.root
}

// Execute runs one tool call. task_complete is a terminal signal, not a file
// operation; it echoes its arguments back so the caller can extract commit
// and PR metadata.
func (s *Sandbox) Execute(ctx context.Context, call Call) Result {
	switch call.Name {
	case ToolReadFile:
		return s.readFile(call)
	case ToolWriteFile:
		return s.writeFile(call)
	case ToolEditFile:
		return s.editFile(call)
	case ToolRunBash:
		return s.runBash(ctx, call)
	case ToolGlobFiles:
		return s.globFiles(call)
	case ToolGrepSearch:
		return s.grepSearch(ctx, call)
	case ToolTaskComplete:
		return s.ok("task marked complete")
	default:
		return s.fail(fmt.Sprintf("unknown tool: %s", call.Name))
	}
}

// resolve confines a model-supplied path to the workspace root.
func (s *Sandbox) resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Join(s.root, filepath.Clean("/"+rel))
	if full != s.root && !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return full, nil
}

func (s *Sandbox) readFile(call Call) Result {
	path, err := s.resolve(stringArg(call.Args, "path"))
	if err != nil {
		return s.fail(err.Error())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return s.fail(fmt.Sprintf("read %s: %v", stringArg(call.Args, "path"), err))
	}
	return s.ok(string(data))
}

func (s *Sandbox) writeFile(call Call) Result {
	rel := stringArg(call.Args, "path")
	path, err := s.resolve(rel)
	if err != nil {
		return s.fail(err.Error())
	}
	content := stringArg(call.Args, "content")

	action := ActionCreate
	if _, statErr := os.Stat(path); statErr == nil {
		action = ActionModify
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return s.fail(fmt.Sprintf("create parent directory: %v", err))
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return s.fail(fmt.Sprintf("write %s: %v", rel, err))
	}

	res := s.ok(fmt.Sprintf("wrote %d bytes to %s", len(content), rel))
	res.FileChange = &FileChange{Path: rel, Action: action, Content: content}
	return res
}

// editFile replaces an exact substring. There is no fuzzy matching: if the
// old string is absent the edit fails and nothing is written.
func (s *Sandbox) editFile(call Call) Result {
	rel := stringArg(call.Args, "path")
	path, err := s.resolve(rel)
	if err != nil {
		return s.fail(err.Error())
	}
	oldStr := stringArg(call.Args, "old_string")
	newStr := stringArg(call.Args, "new_string")
	if oldStr == "" {
		return s.fail("old_string is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return s.fail(fmt.Sprintf("read %s: %v", rel, err))
	}
	content := string(data)
	if !strings.Contains(content, oldStr) {
		return s.fail(fmt.Sprintf("old_string not found in %s; the file was not modified", rel))
	}

	updated := strings.Replace(content, oldStr, newStr, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return s.fail(fmt.Sprintf("write %s: %v", rel, err))
	}

	res := s.ok(fmt.Sprintf("edited %s", rel))
	res.FileChange = &FileChange{Path: rel, Action: ActionModify, Content: updated}
	return res
}

func (s *Sandbox) runBash(ctx context.Context, call Call) Result {
	command := stringArg(call.Args, "command")
	if command == "" {
		return s.fail("command is required")
	}

	if reason := s.denylist.Match(command); reason != "" {
		s.logger.Warn("blocked command",
			zap.String("command", command),
			zap.String("rule", reason))
		return s.fail(fmt.Sprintf("command blocked by policy: %s", reason))
	}

	cmdCtx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "bash", "-c", command)
	cmd.Dir = s.root

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()
	if len(output) > s.cfg.MaxOutputBytes {
		output = output[:s.cfg.MaxOutputBytes] + "\n[output capped]"
	}

	if cmdCtx.Err() == context.DeadlineExceeded {
		return s.fail(fmt.Sprintf("command timed out after %s\n%s", s.cfg.CommandTimeout, output))
	}
	if err != nil {
		return s.fail(fmt.Sprintf("command failed: %v\n%s", err, output))
	}
	return s.ok(output)
}

func (s *Sandbox) globFiles(call Call) Result {
	pattern := stringArg(call.Args, "pattern")
	if pattern == "" {
		return s.fail("pattern is required")
	}

	matches, err := doublestar.Glob(os.DirFS(s.root), pattern)
	if err != nil {
		return s.fail(fmt.Sprintf("invalid glob pattern %q: %v", pattern, err))
	}

	sort.Strings(matches)
	capped := false
	if len(matches) > s.cfg.MaxGlobResults {
		matches = matches[:s.cfg.MaxGlobResults]
		capped = true
	}

	out := strings.Join(matches, "\n")
	if capped {
		out += fmt.Sprintf("\n[%d results shown, more matched]", s.cfg.MaxGlobResults)
	}
	if out == "" {
		out = "no files matched"
	}
	return s.ok(out)
}

// grepSearch is best-effort: an empty result set is a success, not an error.
func (s *Sandbox) grepSearch(ctx context.Context, call Call) Result {
	pattern := stringArg(call.Args, "pattern")
	if pattern == "" {
		return s.fail("pattern is required")
	}
	searchPath := stringArg(call.Args, "path")
	if searchPath == "" {
		searchPath = "."
	}
	if _, err := s.resolve(searchPath); err != nil {
		return s.fail(err.Error())
	}

	cmdCtx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "git", "grep", "-n", "--no-color", "-e", pattern, "--", searchPath)
	cmd.Dir = s.root
	out, err := cmd.Output()
	if err != nil {
		// git grep exits 1 on no matches and fails entirely outside a git
		// repository; both are empty results here.
		return s.ok("no matches found")
	}

	output := string(out)
	if len(output) > s.cfg.MaxOutputBytes {
		output = output[:s.cfg.MaxOutputBytes] + "\n[output capped]"
	}
	return s.ok(output)
}

func (s *Sandbox) ok(text string) Result {
	truncated, wasTruncated := truncate(text, s.cfg.TruncationLimit)
	return Result{Success: true, Result: truncated, Truncated: wasTruncated}
}

func (s *Sandbox) fail(msg string) Result {
	truncated, wasTruncated := truncate(msg, s.cfg.TruncationLimit)
	return Result{Success: false, Result: truncated, Truncated: wasTruncated}
}

// truncate bounds tool output before it is folded back into the transcript.
func truncate(text string, limit int) (string, bool) {
	if limit <= 0 || len(text) <= limit {
		return text, false
	}
	return text[:limit] + "\n[truncated]", true
}

func stringArg(args map[string]interface{}, key string) string {
	if args == nil {
		return ""
	}
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
