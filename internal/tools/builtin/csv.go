package builtin

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xiaot623/aiva/internal/domain"
	"github.com/xiaot623/aiva/internal/tools"
)

var readCSVDescriptor = domain.ToolDescriptor{
	Name:         "read_csv",
	Description:  "Read data from a CSV file as a list of rows.",
	Capabilities: []string{CapFSRead},
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string", "description": "Path to the CSV file to read"}},
		"required": ["path"]
	}`),
	TimeoutMs: 10000,
}

var writeCSVDescriptor = domain.ToolDescriptor{
	Name:         "write_csv",
	Description:  "Write rows to a CSV file.",
	Capabilities: []string{CapFSWrite},
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path to the CSV file to write"},
			"data": {
				"type": "array",
				"description": "Rows to write, each row a list of values",
				"items": {"type": "array", "items": {"type": "string"}}
			}
		},
		"required": ["path", "data"]
	}`),
	TimeoutMs: 10000,
}

type readCSVArgs struct {
	Path string `json:"path"`
}

type writeCSVArgs struct {
	Path string     `json:"path"`
	Data [][]string `json:"data"`
}

func (f *fileTools) readCSV(ctx context.Context, call tools.Call) (json.RawMessage, error) {
	args, err := decodeArgs[readCSVArgs](call.Args)
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
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse csv %s: %w", args.Path, err)
	}
	if rows == nil {
		rows = [][]string{}
	}
	return encodeResult(map[string]any{
		"path": f.sandbox.Relative(root, path),
		"rows": rows,
	})
}

func (f *fileTools) writeCSV(ctx context.Context, call tools.Call) (json.RawMessage, error) {
	args, err := decodeArgs[writeCSVArgs](call.Args)
	if err != nil {
		return nil, err
	}
	path, root, err := f.sandbox.Resolve(args.Path)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(args.Data); err != nil {
		return nil, fmt.Errorf("failed to encode csv: %w", err)
	}
	if limit := f.sandbox.MaxBytes(); limit > 0 && int64(buf.Len()) > limit {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, buf.Len(), limit)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", args.Path, err)
	}
	rel := f.sandbox.Relative(root, path)
	return encodeResult(map[string]any{
		"path":    rel,
		"rows":    len(args.Data),
		"message": "Successfully wrote data to " + rel,
	})
}
