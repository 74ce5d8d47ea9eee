package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/xiaot623/aiva/internal/domain"
	"github.com/xiaot623/aiva/internal/tools"
)

const maxListEntries = 1000

var readFileDescriptor = domain.ToolDescriptor{
	Name:         "read_file",
	Description:  "Read the contents of a text file.",
	Capabilities: []string{CapFSRead},
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string", "description": "Path to the file to read"}},
		"required": ["path"]
	}`),
	OutputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}, "content": {"type": "string"}, "size": {"type": "integer"}},
		"required": ["path", "content"]
	}`),
	TimeoutMs: 10000,
}

var writeFileDescriptor = domain.ToolDescriptor{
	Name:         "write_file",
	Description:  "Write content to a text file.",
	Capabilities: []string{CapFSWrite},
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path to the file to write"},
			"content": {"type": "string", "description": "Content to write to the file"}
		},
		"required": ["path", "content"]
	}`),
	TimeoutMs: 10000,
}

var listDirDescriptor = domain.ToolDescriptor{
	Name:         "list_dir",
	Description:  "List files in a directory.",
	Capabilities: []string{CapFSRead},
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory path to list"},
			"recursive": {"type": "boolean", "description": "Whether to list files in subdirectories"},
			"pattern": {"type": "string", "description": "Optional glob such as **/*.md"}
		},
		"required": ["path"]
	}`),
	TimeoutMs: 10000,
}

type readFileArgs struct {
	Path string `json:"path"`
}

type writeFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type listDirArgs struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
	Pattern   string `json:"pattern"`
}

type fileTools struct {
	sandbox *Sandbox
}

func (f *fileTools) readFile(ctx context.Context, call tools.Call) (json.RawMessage, error) {
	args, err := decodeArgs[readFileArgs](call.Args)
	if err != nil {
		return nil, err
	}
	path, root, err := f.sandbox.Resolve(args.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", args.Path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", args.Path)
	}
	if err := f.sandbox.checkSize(info); err != nil {
		return nil, err
	}
	data, err := readLimited(path, f.sandbox.MaxBytes())
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", args.Path, err)
	}
	if !isText(data) {
		return nil, fmt.Errorf("%w: %s", ErrBinary, args.Path)
	}
	return encodeResult(map[string]any{
		"path":    f.sandbox.Relative(root, path),
		"content": string(data),
		"size":    len(data),
	})
}

func (f *fileTools) writeFile(ctx context.Context, call tools.Call) (json.RawMessage, error) {
	args, err := decodeArgs[writeFileArgs](call.Args)
	if err != nil {
		return nil, err
	}
	path, root, err := f.sandbox.Resolve(args.Path)
	if err != nil {
		return nil, err
	}
	if limit := f.sandbox.MaxBytes(); limit > 0 && int64(len(args.Content)) > limit {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, len(args.Content), limit)
	}
	if !isText([]byte(args.Content)) {
		return nil, fmt.Errorf("%w: %s", ErrBinary, args.Path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", args.Path, err)
	}
	rel := f.sandbox.Relative(root, path)
	return encodeResult(map[string]any{
		"path":    rel,
		"bytes":   len(args.Content),
		"message": "Successfully wrote to " + rel,
	})
}

func (f *fileTools) listDir(ctx context.Context, call tools.Call) (json.RawMessage, error) {
	args, err := decodeArgs[listDirArgs](call.Args)
	if err != nil {
		return nil, err
	}
	if args.Path == "" {
		args.Path = "."
	}
	if args.Pattern != "" && !doublestar.ValidatePattern(args.Pattern) {
		return nil, fmt.Errorf("invalid pattern %q", args.Pattern)
	}
	dir, root, err := f.sandbox.Resolve(args.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", args.Path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", args.Path)
	}

	files := []string{}
	truncated := false
	errStop := errors.New("stop")
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == dir {
			return nil
		}
		if f.sandbox.Denied(root, path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if !args.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		rel := f.sandbox.Relative(dir, path)
		if args.Pattern != "" {
			if ok, _ := doublestar.Match(args.Pattern, rel); !ok {
				return nil
			}
		}
		if len(files) >= maxListEntries {
			truncated = true
			return errStop
		}
		files = append(files, f.sandbox.Relative(root, path))
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errStop) {
		return nil, walkErr
	}
	sort.Strings(files)
	return encodeResult(map[string]any{
		"path":      f.sandbox.Relative(root, dir),
		"files":     files,
		"truncated": truncated,
	})
}

func readLimited(path string, limit int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if limit <= 0 {
		return io.ReadAll(file)
	}
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: limit %d", ErrTooLarge, limit)
	}
	return data, nil
}
