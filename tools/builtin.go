// ABOUTME: Built-in filesystem tools registered at startup: read_file, write_file, list_dir.
// ABOUTME: write_file is the only writing builtin and passes the router's write-path policy gate.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxReadBytes = 256 * 1024

// RegisterBuiltins installs the core filesystem tools.
func RegisterBuiltins(r *Registry) error {
	builtins := []struct {
		def Definition
		run Handler
	}{
		{readFileDef(), runReadFile},
		{writeFileDef(), runWriteFile},
		{listDirDef(), runListDir},
	}
	for _, b := range builtins {
		if err := r.Register(b.def, b.run); err != nil {
			return err
		}
	}
	return nil
}

func readFileDef() Definition {
	return Definition{
		Name:        "read_file",
		Description: "Read a text file and return its contents.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "minLength": 1}
			},
			"required": ["path"],
			"additionalProperties": false
		}`),
	}
}

func runReadFile(ctx context.Context, inv Invocation, args map[string]any) (string, error) {
	path := resolvePath(stringArg(args, "path"), inv)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + "\n[truncated]", nil
	}
	return string(data), nil
}

func writeFileDef() Definition {
	return Definition{
		Name:        "write_file",
		Description: "Create or overwrite a text file.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "minLength": 1},
				"content": {"type": "string"}
			},
			"required": ["path", "content"],
			"additionalProperties": false
		}`),
		Writes: true,
		WritePaths: func(args map[string]any) []string {
			return []string{stringArg(args, "path")}
		},
	}
}

func runWriteFile(ctx context.Context, inv Invocation, args map[string]any) (string, error) {
	path := resolvePath(stringArg(args, "path"), inv)
	content := stringArg(args, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating parent for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

func listDirDef() Definition {
	return Definition{
		Name:        "list_dir",
		Description: "List the entries of a directory.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "minLength": 1}
			},
			"required": ["path"],
			"additionalProperties": false
		}`),
	}
}

func runListDir(ctx context.Context, inv Invocation, args map[string]any) (string, error) {
	path := resolvePath(stringArg(args, "path"), inv)
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("listing %s: %w", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

// resolvePath anchors relative paths at the turn directory so tools without
// an explicit workspace still land their files somewhere inspectable.
func resolvePath(path string, inv Invocation) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if inv.TurnDir != "" {
		return filepath.Join(inv.TurnDir, path)
	}
	return path
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
