// Package store provides SQLite-based accept history for blobkbd.
package store

import "time"

// Session is one run of a keyboard engine.
type Session struct {
	ID        string
	Layout    string
	StartedAt time.Time
	// EndedAt is nil while the session is open.
	EndedAt *time.Time
	Accepts int
	Runes   int
}

// Open reports whether the session has not been ended.
func (s *Session) Open() bool {
	return s.EndedAt == nil
}

// Accept is one composition moved into the document.
type Accept struct {
	ID         int64
	SessionID  string
	AcceptedAt time.Time
	Text       string
	RuneCount  int
}

// Stats summarizes the history database.
type Stats struct {
	Sessions     int
	OpenSessions int
	Accepts      int
	Runes        int
	First        *time.Time
	Last         *time.Time
}

// AverageRunes returns the mean accepted length, or 0 with no accepts.
func (s *Stats) AverageRunes() float64 {
	if s.Accepts == 0 {
		return 0
	}
	return float64(s.Runes) / float64(s.Accepts)
}
