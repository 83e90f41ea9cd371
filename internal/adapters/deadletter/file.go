package deadletter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

const fileExt = ".jsonl"

// FileSink appends dead letters as JSON lines, one file per pipeline.
type FileSink struct {
	mu  sync.Mutex
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: dead letter dir is required", domain.ErrInvalidConfig)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileSink{dir: dir}, nil
}

func fileFor(dir, pipelineID string) string {
	name := strings.NewReplacer("/", "_", `\`, "_").Replace(pipelineID)
	return filepath.Join(dir, name+fileExt)
}

func (s *FileSink) Put(ctx context.Context, dl domain.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(fileFor(s.dir, dl.PipelineID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDestinationUnavailable, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", domain.ErrDestinationUnavailable, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", domain.ErrDestinationUnavailable, err)
	}
	return f.Close()
}

// List reads the dead letters recorded for a pipeline, oldest first.
func List(dir, pipelineID string) ([]domain.DeadLetter, error) {
	f, err := os.Open(fileFor(dir, pipelineID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []domain.DeadLetter
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var dl domain.DeadLetter
		if err := json.Unmarshal(sc.Bytes(), &dl); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", f.Name(), line, err)
		}
		out = append(out, dl)
	}
	return out, sc.Err()
}

// Pipelines lists the pipelines that have dead letters in dir.
func Pipelines(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+fileExt))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSuffix(filepath.Base(m), fileExt))
	}
	sort.Strings(out)
	return out, nil
}

var _ ports.DeadLetterSink = (*FileSink)(nil)
