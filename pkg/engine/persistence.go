package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Persistence handles the disk I/O for the MemStore.
// Snapshots are saved in the background, so a save carries the engine
// revision it was taken at and older snapshots never overwrite newer ones.
type Persistence struct {
	DataDir string
	mu      sync.Mutex // Protects concurrent writes to the filesystem
	written map[string]uint64
	log     *zap.Logger
}

// NewPersistence initializes a persistence handler.
func NewPersistence(dir string) (*Persistence, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Persistence{DataDir: dir, written: make(map[string]uint64), log: zap.NewNop()}, nil
}

// SetLogger replaces the no-op logger used for load and save failures.
func (p *Persistence) SetLogger(l *zap.Logger) {
	if l != nil {
		p.log = l
	}
}

// SavePersona writes a single persona's data to a JSON file atomically.
// A snapshot whose revision is older than the last one written is dropped.
func (p *Persistence) SavePersona(personaID string, rev uint64, data map[string]map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if last, ok := p.written[personaID]; ok && rev < last {
		return nil
	}

	filePath := filepath.Join(p.DataDir, fmt.Sprintf("%s.json", personaID))
	tempPath := filePath + ".tmp"

	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		p.log.Error("encode persona", zap.String("persona", personaID), zap.Error(err))
		return err
	}

	if err := os.WriteFile(tempPath, bytes, 0644); err != nil {
		p.log.Error("write persona", zap.String("persona", personaID), zap.Error(err))
		return err
	}

	// Either the old file or the new one survives a crash, never a torn one.
	if err := os.Rename(tempPath, filePath); err != nil {
		p.log.Error("rename persona", zap.String("persona", personaID), zap.Error(err))
		return err
	}
	p.written[personaID] = rev
	return nil
}

// LoadAll returns all persona data found in the data directory.
func (p *Persistence) LoadAll() (map[string]map[string]map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	allData := make(map[string]map[string]map[string]any)

	files, err := os.ReadDir(p.DataDir)
	if err != nil {
		return nil, err
	}

	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}
		personaID := file.Name()[:len(file.Name())-5]

		content, err := os.ReadFile(filepath.Join(p.DataDir, file.Name()))
		if err != nil {
			p.log.Warn("skipping unreadable persona file", zap.String("file", file.Name()), zap.Error(err))
			continue
		}

		var personaData map[string]map[string]any
		if err := json.Unmarshal(content, &personaData); err != nil {
			p.log.Warn("skipping corrupt persona file", zap.String("file", file.Name()), zap.Error(err))
			continue
		}
		allData[personaID] = personaData
	}
	return allData, nil
}
