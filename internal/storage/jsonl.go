package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"fluxGarden/internal/model"
)

// JsonlJournal writes journal records to a JSONL file.
type JsonlJournal struct {
	path string
}

func NewJsonlJournal(path string) *JsonlJournal {
	return &JsonlJournal{path: path}
}

// Export writes every record of store in journal order, replacing the file.
func (j *JsonlJournal) Export(ctx context.Context, store Store) (int, error) {
	dir := filepath.Dir(j.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("create output dir: %w", err)
		}
	}

	tmpPath := j.path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open output file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	var count int
	err = store.View(ctx, func(tx Tx) error {
		return tx.Events(ctx, func(record *model.EventRecord) error {
			line, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("marshal record %s: %w", record.ID, err)
			}
			if _, err := writer.Write(line); err != nil {
				return fmt.Errorf("write record: %w", err)
			}
			if err := writer.WriteByte('\n'); err != nil {
				return fmt.Errorf("write newline: %w", err)
			}
			count++
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	if err := writer.Flush(); err != nil {
		return 0, fmt.Errorf("flush output: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return 0, fmt.Errorf("rename output: %w", err)
	}
	return count, nil
}
