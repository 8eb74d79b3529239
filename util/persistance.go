package util

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
)

// Persist writes v to filename as indented JSON via an atomic rename,
// so readers never observe a partially written file.
func Persist(filename string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing: %w", err)
	}

	if err := atomic.WriteFile(filename, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing to disk: %w", err)
	}

	return nil
}

func Load(filename string, v any) error {
	data, err := os.ReadFile(filename) //#nosec G304
	if err != nil {
		return fmt.Errorf("loading file: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("deserializing: %w", err)
	}

	return nil
}
