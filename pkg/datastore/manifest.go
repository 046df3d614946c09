package datastore

import (
	"fmt"
	"os"
	"path/filepath"

	"corekv/pkg/dberrors"

	"github.com/goccy/go-yaml"
)

const manifestFileName = "MANIFEST"

// manifestData is the durable record of which segment files currently
// make up the data store, in oldest-to-newest order.
type manifestData struct {
	NextSegmentID uint64   `yaml:"next_segment_id"`
	Segments      []string `yaml:"segments"`
}

type manifest struct {
	filePath string
	data     manifestData
}

func openManifest(dir string) (*manifest, error) {
	m := &manifest{filePath: filepath.Join(dir, manifestFileName)}

	raw, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.data = manifestData{NextSegmentID: 1}
			return m, m.save()
		}
		return nil, fmt.Errorf("%w: read manifest: %v", dberrors.ErrStorageFatal, err)
	}
	if err := yaml.Unmarshal(raw, &m.data); err != nil {
		return nil, fmt.Errorf("%w: parse manifest: %v", dberrors.ErrStorageFatal, err)
	}
	return m, nil
}

func (m *manifest) save() error {
	raw, err := yaml.Marshal(m.data)
	if err != nil {
		return fmt.Errorf("%w: marshal manifest: %v", dberrors.ErrStorageFatal, err)
	}
	tmp := m.filePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("%w: write manifest: %v", dberrors.ErrStorageFatal, err)
	}
	if err := os.Rename(tmp, m.filePath); err != nil {
		return fmt.Errorf("%w: install manifest: %v", dberrors.ErrStorageFatal, err)
	}
	return nil
}

// nextSegmentName allocates the file name for a newly flushed or
// compacted segment.
func (m *manifest) nextSegmentName() string {
	name := fmt.Sprintf("%020d.sst", m.data.NextSegmentID)
	m.data.NextSegmentID++
	return name
}

func (m *manifest) addSegment(name string) error {
	m.data.Segments = append(m.data.Segments, name)
	return m.save()
}

// replaceSegments atomically swaps oldNames for a single newName,
// preserving the position of the oldest replaced segment so read order
// (oldest-to-newest, newest wins) stays correct after compaction.
func (m *manifest) replaceSegments(oldNames []string, newName string) error {
	oldSet := make(map[string]bool, len(oldNames))
	for _, n := range oldNames {
		oldSet[n] = true
	}
	replaced := false
	out := make([]string, 0, len(m.data.Segments))
	for _, n := range m.data.Segments {
		if oldSet[n] {
			if !replaced {
				out = append(out, newName)
				replaced = true
			}
			continue
		}
		out = append(out, n)
	}
	if !replaced {
		out = append(out, newName)
	}
	m.data.Segments = out
	return m.save()
}

func (m *manifest) segmentNames() []string {
	return append([]string(nil), m.data.Segments...)
}
