package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"agentguard/internal/domain"
)

// maxReadBytes caps what read_file returns to the agent.
const maxReadBytes = 256 * 1024

// workspace confines file tools to one directory tree. Symlinks are resolved
// before the containment check, so a link pointing outside is refused too.
type workspace struct {
	root string
}

func (w workspace) resolve(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("missing argument: path")
	}
	if w.root == "" {
		return filepath.Abs(path)
	}
	root, err := filepath.Abs(w.root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)
	if !within(root, path) {
		return "", fmt.Errorf("path %q is outside workspace %q", path, root)
	}

	realRoot, err := evalExisting(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	realPath, err := evalExisting(path)
	if err != nil {
		return "", err
	}
	if !within(realRoot, realPath) {
		return "", fmt.Errorf("path %q leaves workspace %q through a symlink", path, root)
	}
	return path, nil
}

func within(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// evalExisting resolves symlinks in the longest existing prefix of path and
// appends the part that does not exist yet.
func evalExisting(path string) (string, error) {
	rest := ""
	for cur := path; ; {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(resolved, rest), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("resolve path: %w", err)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path, nil
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

// describe prefixes a tool description with what confirming it means.
func describe(level domain.SecurityLevel, text string) string {
	switch level {
	case domain.LevelRead:
		return "[read-only] " + text
	case domain.LevelSign:
		return "[signs with a credential; confirmation required by policy] " + text
	default:
		return "[modifies the workspace; confirmation required by policy] " + text
	}
}

// ReadFileTool returns a file's contents, truncated at maxReadBytes.
type ReadFileTool struct{ ws workspace }

func NewReadFileTool(root string) *ReadFileTool { return &ReadFileTool{ws: workspace{root}} }

func (t *ReadFileTool) Name() string                { return "read_file" }
func (t *ReadFileTool) Level() domain.SecurityLevel { return domain.LevelRead }
func (t *ReadFileTool) Description() string {
	return describe(t.Level(), "Read a file inside the workspace.")
}

func (t *ReadFileTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"path": {Type: "string", Description: "Path relative to the workspace"},
	}, []string{"path"})
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, err := t.ws.resolve(ArgsString(args, "path"))
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxReadBytes+1))
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + "\n[truncated]", nil
	}
	return string(data), nil
}

// WriteFileTool replaces a file's contents. The new content is written to a
// temporary file first and renamed over the target.
type WriteFileTool struct{ ws workspace }

func NewWriteFileTool(root string) *WriteFileTool { return &WriteFileTool{ws: workspace{root}} }

func (t *WriteFileTool) Name() string                { return "write_file" }
func (t *WriteFileTool) Level() domain.SecurityLevel { return domain.LevelWrite }
func (t *WriteFileTool) Description() string {
	return describe(t.Level(), "Create or overwrite a file inside the workspace.")
}

func (t *WriteFileTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"path":    {Type: "string", Description: "Path relative to the workspace"},
		"content": {Type: "string", Description: "Full new content of the file"},
	}, []string{"path", "content"})
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, err := t.ws.resolve(ArgsString(args, "path"))
	if err != nil {
		return "", err
	}
	content := ArgsString(args, "content")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".write-*")
	if err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

// ListDirTool lists a directory. Directories end in "/", files show their size.
type ListDirTool struct{ ws workspace }

func NewListDirTool(root string) *ListDirTool { return &ListDirTool{ws: workspace{root}} }

func (t *ListDirTool) Name() string                { return "list_dir" }
func (t *ListDirTool) Level() domain.SecurityLevel { return domain.LevelRead }
func (t *ListDirTool) Description() string {
	return describe(t.Level(), "List a directory inside the workspace.")
}

func (t *ListDirTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"path": {Type: "string", Description: "Directory relative to the workspace; defaults to the workspace root"},
	}, nil)
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	rel := ArgsString(args, "path")
	if strings.TrimSpace(rel) == "" {
		rel = "."
	}
	path, err := t.ws.resolve(rel)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("list dir: %w", err)
	}
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
			continue
		}
		if info, err := e.Info(); err == nil {
			fmt.Fprintf(&b, "%s %d\n", e.Name(), info.Size())
		} else {
			fmt.Fprintf(&b, "%s\n", e.Name())
		}
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

var (
	_ domain.Tool = (*ShellTool)(nil)
	_ domain.Tool = (*ReadFileTool)(nil)
	_ domain.Tool = (*WriteFileTool)(nil)
	_ domain.Tool = (*ListDirTool)(nil)
)
