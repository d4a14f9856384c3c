// Package dump writes per-request debug records as JSON files. It exists
// for diagnosing CLI interactions in the field and is disabled by default.
package dump

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// Sink writes records into a directory confined with os.Root, so a
// malformed record name can never escape the dump directory. A nil *Sink
// is valid and discards everything.
type Sink struct {
	root *os.Root
}

func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating dump directory: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening dump directory: %w", err)
	}
	return &Sink{root: root}, nil
}

// Write stores v as <name>.json. Dump failures are logged, never fatal.
func (s *Sink) Write(ctx context.Context, name string, v any) {
	if s == nil || s.root == nil {
		return
	}

	f, err := s.root.Create(name + ".json")
	if err != nil {
		slog.WarnContext(ctx, "creating dump file failed", "name", name, "error", err)
		return
	}
	defer func() {
		_ = f.Close()
	}()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.WarnContext(ctx, "writing dump file failed", "name", name, "error", err)
		return
	}
	slog.DebugContext(ctx, "dump saved", "name", name+".json")
}

func (s *Sink) Close() error {
	if s == nil || s.root == nil {
		return errors.New("sink already closed")
	}
	err := s.root.Close()
	s.root = nil
	return err
}
