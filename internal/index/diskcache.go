package index

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// On-disk snapshot layout: meta.json describes the entries, vectors.bin is
// the raw float32 rows (services first, then tools, little endian). The pair
// lets a restart serve queries before the first probe cycle completes.
const (
	metaFileName    = "meta.json"
	vectorsFileName = "vectors.bin"
)

type diskMeta struct {
	Model    string            `json:"model"`
	Dim      int               `json:"dim"`
	BuiltAt  time.Time         `json:"built_at"`
	Services []diskServiceMeta `json:"services"`
	Tools    []diskToolMeta    `json:"tools"`
}

type diskServiceMeta struct {
	Path   string   `json:"path"`
	Name   string   `json:"name"`
	Tags   []string `json:"tags,omitempty"`
	Health string   `json:"health"`
}

type diskToolMeta struct {
	ServicePath   string         `json:"service_path"`
	ServiceName   string         `json:"service_name"`
	ServiceHealth string         `json:"service_health"`
	ToolName      string         `json:"tool_name"`
	Description   string         `json:"description"`
	Text          string         `json:"text"`
	Schema        map[string]any `json:"schema,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
}

// saveDiskSnapshot persists the current generation. Both files are written
// via temp+rename so a crash never leaves a torn pair readable.
func (m *Manager) saveDiskSnapshot(snap *snapshot) error {
	if err := os.MkdirAll(m.cacheDir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}

	meta := diskMeta{
		Model:   snap.model,
		Dim:     snap.dim,
		BuiltAt: snap.builtAt,
	}
	for _, svc := range snap.services {
		meta.Services = append(meta.Services, diskServiceMeta{
			Path:   svc.Path,
			Name:   svc.Name,
			Tags:   svc.Tags,
			Health: svc.Health,
		})
	}
	for _, tool := range snap.tools {
		meta.Tools = append(meta.Tools, diskToolMeta{
			ServicePath:   tool.ServicePath,
			ServiceName:   tool.ServiceName,
			ServiceHealth: tool.ServiceHealth,
			ToolName:      tool.ToolName,
			Description:   tool.Description,
			Text:          tool.Text,
			Schema:        tool.Schema,
			Tags:          tool.Tags,
		})
	}

	blob := make([]byte, 0, (len(snap.services)+len(snap.tools))*snap.dim*4)
	appendVec := func(v []float32) {
		for _, x := range v {
			blob = binary.LittleEndian.AppendUint32(blob, math.Float32bits(x))
		}
	}
	for _, svc := range snap.services {
		appendVec(svc.Vector)
	}
	for _, tool := range snap.tools {
		appendVec(tool.Vector)
	}

	// Vectors land first so a fresh meta.json always points at complete rows.
	if err := writeFileAtomic(filepath.Join(m.cacheDir, vectorsFileName), blob); err != nil {
		return err
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal index meta: %w", err)
	}
	return writeFileAtomic(filepath.Join(m.cacheDir, metaFileName), encoded)
}

// loadDiskSnapshot restores a persisted generation. Returns nil (no error)
// when there is nothing usable: missing files, model or dimension mismatch,
// or the snapshot predates the newest record file.
func (m *Manager) loadDiskSnapshot() (*snapshot, error) {
	metaBytes, err := os.ReadFile(filepath.Join(m.cacheDir, metaFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index meta: %w", err)
	}

	var meta diskMeta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, fmt.Errorf("corrupt index meta: %w", err)
	}
	if meta.Model != m.encoder.Model() || meta.Dim != m.encoder.Dimensions() {
		return nil, nil
	}
	if m.recordsNewerThan(meta.BuiltAt) {
		return nil, nil
	}

	blob, err := os.ReadFile(filepath.Join(m.cacheDir, vectorsFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read index vectors: %w", err)
	}
	rows := len(meta.Services) + len(meta.Tools)
	if len(blob) != rows*meta.Dim*4 {
		return nil, fmt.Errorf("vector blob size %d does not match %d rows of dim %d", len(blob), rows, meta.Dim)
	}

	readVec := func(row int) []float32 {
		v := make([]float32, meta.Dim)
		off := row * meta.Dim * 4
		for i := range v {
			v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[off+i*4:]))
		}
		return v
	}

	snap := &snapshot{
		builtAt: meta.BuiltAt,
		model:   meta.Model,
		dim:     meta.Dim,
	}
	for i, svc := range meta.Services {
		snap.services = append(snap.services, serviceEntry{
			Path:   svc.Path,
			Name:   svc.Name,
			Tags:   svc.Tags,
			Health: svc.Health,
			Vector: readVec(i),
		})
	}
	for i, tool := range meta.Tools {
		snap.tools = append(snap.tools, toolEntry{
			ServicePath:   tool.ServicePath,
			ServiceName:   tool.ServiceName,
			ServiceHealth: tool.ServiceHealth,
			ToolName:      tool.ToolName,
			Description:   tool.Description,
			Text:          tool.Text,
			Schema:        tool.Schema,
			Tags:          tool.Tags,
			Vector:        readVec(len(meta.Services) + i),
		})
	}
	return snap, nil
}

// recordsNewerThan reports whether any registry record file changed after t,
// which invalidates the persisted snapshot.
func (m *Manager) recordsNewerThan(t time.Time) bool {
	if m.serversDir == "" {
		return false
	}
	entries, err := os.ReadDir(m.serversDir)
	if err != nil {
		return true
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return true
		}
		if info.ModTime().After(t) {
			return true
		}
	}
	return false
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".index-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
