package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dwsmith1983/tridx/pkg/types"
)

// FileSink appends one JSON document per alert to a local file, for hosts
// where a log shipper tails the file.
type FileSink struct {
	mu   sync.Mutex
	path string
}

// NewFileSink creates the file and its directory if needed.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating alert directory: %w", err)
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	_ = f.Close()
	return &FileSink{path: path}, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return f, nil
}

// Name returns the sink identifier.
func (s *FileSink) Name() string { return "file" }

// Send appends a in JSON lines format.
func (s *FileSink) Send(_ context.Context, a types.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := openAppend(s.path)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(a); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing alert: %w", err)
	}
	return f.Close()
}
