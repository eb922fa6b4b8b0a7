package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"silenceScope/internal/model"
)

// JsonlStore keeps events in an append-only JSON lines file with an in-memory
// index. An empty path keeps everything in memory.
type JsonlStore struct {
	path string

	mu      sync.Mutex
	events  []model.LogEvent
	index   map[string]struct{}
	scanned uint64
}

// NewMemoryStore returns a JsonlStore without a backing file.
func NewMemoryStore() *JsonlStore {
	return &JsonlStore{index: make(map[string]struct{})}
}

// OpenJsonlStore loads path (if it exists) into a new JsonlStore.
func OpenJsonlStore(path string) (*JsonlStore, error) {
	s := &JsonlStore{path: path, index: make(map[string]struct{})}
	if path == "" {
		return s, nil
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JsonlStore) load() error {
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open event file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event model.LogEvent
		if err := json.Unmarshal(line, &event); err != nil {
			// a crash mid-append leaves a truncated last line
			continue
		}
		s.remember(event)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan event file: %w", err)
	}
	return nil
}

func (s *JsonlStore) remember(event model.LogEvent) bool {
	if _, ok := s.index[event.UniqueID]; ok {
		return false
	}
	s.index[event.UniqueID] = struct{}{}
	s.events = append(s.events, event)
	if event.BlockNumber > s.scanned {
		s.scanned = event.BlockNumber
	}
	return true
}

func (s *JsonlStore) InsertDeduplicated(_ context.Context, events []model.LogEvent) ([]model.LogEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make([]model.LogEvent, 0, len(events))
	pending := make(map[string]struct{}, len(events))
	for _, event := range events {
		if _, ok := s.index[event.UniqueID]; ok {
			continue
		}
		if _, ok := pending[event.UniqueID]; ok {
			continue
		}
		pending[event.UniqueID] = struct{}{}
		fresh = append(fresh, event)
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	if err := s.appendLines(fresh); err != nil {
		return nil, err
	}
	for _, event := range fresh {
		s.remember(event)
	}
	return fresh, nil
}

func (s *JsonlStore) appendLines(events []model.LogEvent) error {
	if s.path == "" {
		return nil
	}

	var buf bytes.Buffer
	for _, event := range events {
		line, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	if _, err := file.Write(buf.Bytes()); err != nil {
		file.Close()
		return fmt.Errorf("write events: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync events: %w", err)
	}
	return file.Close()
}

func (s *JsonlStore) ScanAll(_ context.Context) ([]model.LogEvent, error) {
	s.mu.Lock()
	out := make([]model.LogEvent, len(s.events))
	copy(out, s.events)
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, nil
}

func (s *JsonlStore) LatestScannedBlock(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanned, nil
}

func (s *JsonlStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path != "" {
		if dir := filepath.Dir(s.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}
		}
		tmpPath := s.path + ".tmp"
		if err := os.WriteFile(tmpPath, nil, 0o644); err != nil {
			return fmt.Errorf("write event file tmp: %w", err)
		}
		if err := os.Rename(tmpPath, s.path); err != nil {
			return fmt.Errorf("rename event file: %w", err)
		}
	}

	s.events = nil
	s.index = make(map[string]struct{})
	s.scanned = 0
	return nil
}

func (s *JsonlStore) Close() error { return nil }
