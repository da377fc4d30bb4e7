package memory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-uwb/pkg/geometry"
	"github.com/teslashibe/go-uwb/pkg/ranging"
)

// Fixtures is the YAML document used to seed a development store:
//
//	rooms:
//	  - id: lab
//	    owner: owner@example.com
//	    width_in: 280
//	    height_in: 203.33
//	enrollments:
//	  - subject: owner@example.com
//	    topic: "1234567"
//	reports:
//	  - topic: "1234567"
//	    data: '{"id": 5, "range": [140, 240, 300, 220]}'
//	    ts: 2025-06-01T08:30:00Z
type Fixtures struct {
	Rooms       []geometry.Room     `yaml:"rooms"`
	Enrollments []Enrollment        `yaml:"enrollments"`
	Reports     []ranging.RawRecord `yaml:"reports"`
}

// Enrollment grants a subject access to a topic.
type Enrollment struct {
	Subject string `yaml:"subject"`
	Topic   string `yaml:"topic"`
}

// LoadFixtures reads a fixtures file.
func LoadFixtures(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	return ParseFixtures(data)
}

// ParseFixtures decodes a fixtures document.
func ParseFixtures(data []byte) (*Fixtures, error) {
	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	for i, room := range f.Rooms {
		if room.ID == "" {
			return nil, fmt.Errorf("parse fixtures: room %d has no id", i)
		}
	}
	return &f, nil
}

// Apply loads the fixtures into the store. Reports are appended oldest first
// as listed in the document.
func (s *Store) Apply(f *Fixtures) {
	for _, room := range f.Rooms {
		s.PutRoom(room)
	}
	for _, e := range f.Enrollments {
		s.Enroll(e.Subject, e.Topic)
	}
	for _, rec := range f.Reports {
		s.AppendReport(rec)
	}
}
