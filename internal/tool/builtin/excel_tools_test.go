package builtin

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/excelmanus/agentcore/internal/excelio"
)

func TestWriteCellsThenReadRangeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeTool := NewWriteCellsTool(dir, nil)
	readTool := NewReadRangeTool(dir, nil)

	args, _ := json.Marshal(map[string]any{
		"file":  "report.xlsx",
		"sheet": "Sheet1",
		"cells": map[string]any{"A1": "hello", "B1": 42},
	})
	res, err := writeTool.Execute(context.Background(), args)
	if err != nil || res.Error != "" {
		t.Fatalf("write failed: %v %q", err, res.Error)
	}

	readArgs, _ := json.Marshal(map[string]any{"file": "report.xlsx", "sheet": "Sheet1", "range": "A1:B1"})
	readRes, err := readTool.Execute(context.Background(), readArgs)
	if err != nil || readRes.Error != "" {
		t.Fatalf("read failed: %v %q", err, readRes.Error)
	}

	var cells []excelio.CellRange
	if err := json.Unmarshal([]byte(readRes.Output), &cells); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(cells) != 2 {
		t.Fatalf("expected 2 cells, got %+v", cells)
	}
}

func TestWriteCellsUsesResolveWriteForStaging(t *testing.T) {
	dir := t.TempDir()
	staged := filepath.Join(dir, "staged.xlsx")
	calls := 0
	writeTool := NewWriteCellsTool(dir, func(path string) (string, error) {
		calls++
		return staged, nil
	})

	args, _ := json.Marshal(map[string]any{
		"file":  "report.xlsx",
		"sheet": "Sheet1",
		"cells": map[string]any{"A1": "x"},
	})
	res, err := writeTool.Execute(context.Background(), args)
	if err != nil || res.Error != "" {
		t.Fatalf("write failed: %v %q", err, res.Error)
	}
	if calls != 1 {
		t.Errorf("expected resolveWrite to be called once, got %d", calls)
	}
}

func TestRunCodeRequiresRunner(t *testing.T) {
	tool := NewRunCodeTool(nil)
	args, _ := json.Marshal(map[string]any{"code": "print(1)"})
	res, _ := tool.Execute(context.Background(), args)
	if res.Error == "" {
		t.Fatal("expected error without a configured runner")
	}
}

func TestFinishTaskToolIsDispatcherOnly(t *testing.T) {
	res, _ := NewFinishTaskTool().Execute(context.Background(), nil)
	if res.Error == "" {
		t.Fatal("expected finish_task to report dispatcher-only execution")
	}
}
