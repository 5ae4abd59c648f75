package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	c := s.c
	id := s.entryID
	loc := s.loc
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	tz := cfg.Timezone
	if tz == "" {
		tz = loc.String()
	}

	out := Snapshot{
		Enabled:  cfg.Enabled,
		Running:  c != nil,
		Timezone: tz,
		Schedule: cfg.Schedule,
	}
	if c != nil && id != 0 {
		e := c.Entry(id)
		out.Next = e.Next
		out.Prev = e.Prev
	}

	s.smu.Lock()
	out.LastSweep = s.lastSweep
	out.LastQueued = s.lastQueued
	out.LastError = s.lastErr
	out.TotalQueued = s.totalQueued
	s.smu.Unlock()
	return out
}
