package heightmap

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/openpcb/sender/coord"
)

// Persistence stores and retrieves encoded height map records. The
// store does not care whether that is a file, a database row, or a
// test fake.
type Persistence interface {
	Save(id string, data []byte) error
	Load(id string) ([]byte, error)
}

// Store publishes the active height map. A new map replaces the old
// one atomically; readers always observe a complete map and never a
// partial write. Read-many/write-rare, no locks.
type Store struct {
	active atomic.Pointer[Map]
	p      Persistence
}

func NewStore(p Persistence) *Store {
	return &Store{p: p}
}

// Current returns the active map, or nil when none is published.
func (s *Store) Current() *Map {
	return s.active.Load()
}

// Publish replaces the active map.
func (s *Store) Publish(m *Map) {
	s.active.Store(m)
}

// Save encodes the active map and hands it to the persistence
// collaborator under the given id.
func (s *Store) Save(id string) error {
	m := s.Current()
	if m == nil {
		return fmt.Errorf("heightmap: no active map to save")
	}
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return s.p.Save(id, data)
}

// Load reads and publishes the map stored under id.
func (s *Store) Load(id string) (*Map, error) {
	data, err := s.p.Load(id)
	if err != nil {
		return nil, err
	}
	m, err := Decode(data)
	if err != nil {
		return nil, err
	}
	s.Publish(m)
	return m, nil
}

type record struct {
	Units     string       `json:"units"`
	CreatedAt string       `json:"created_at"`
	Source    string       `json:"source,omitempty"`
	Region    Region       `json:"region"`
	Points    [][3]float64 `json:"points"`
}

// Encode renders a map in the persistence schema.
func Encode(m *Map) ([]byte, error) {
	rec := record{
		Units:     m.Meta.Units,
		CreatedAt: m.Meta.CreatedAt.Format(time.RFC3339),
		Source:    m.Meta.Source,
		Region:    m.Region,
		Points:    make([][3]float64, len(m.Points)),
	}
	for i, p := range m.Points {
		rec.Points[i] = [3]float64{p.X, p.Y, p.Z}
	}
	return json.MarshalIndent(rec, "", "  ")
}

// Decode parses a persisted record and revalidates it through Build.
func Decode(data []byte) (*Map, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("heightmap: decode: %w", err)
	}
	points := make([]coord.Point, len(rec.Points))
	for i, p := range rec.Points {
		points[i] = coord.Point{X: p[0], Y: p[1], Z: p[2]}
	}
	meta := Meta{Units: rec.Units, Source: rec.Source}
	if rec.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339, rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("heightmap: decode: %w", err)
		}
		meta.CreatedAt = t
	}
	return Build(points, meta)
}
