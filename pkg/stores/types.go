package stores

import (
	"time"
)

// DefaultListLimit caps List when the filter sets no limit.
const DefaultListLimit = 50

// Entry is a journaled lifecycle event.
type Entry struct {
	ID         int64     `json:"id"`
	EventID    string    `json:"event_id"`
	Timestamp  time.Time `json:"timestamp"`
	Type       string    `json:"type"`
	Level      string    `json:"level"`
	Source     string    `json:"source"`
	Generation uint64    `json:"generation,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Method     string    `json:"method,omitempty"`
	Message    string    `json:"message"`
	Data       string    `json:"data"` // JSON blob
}

// Filter selects journal entries. Zero fields match everything.
type Filter struct {
	Type       string
	Since      time.Time
	Generation uint64
	Limit      int
}

// Summary counts journal entries by event type.
type Summary struct {
	Since          time.Time      `json:"since"`
	Counts         map[string]int `json:"counts"`
	LastGeneration uint64         `json:"last_generation"`
}

// Total returns the number of entries across all types.
func (s *Summary) Total() int {
	total := 0
	for _, n := range s.Counts {
		total += n
	}
	return total
}
