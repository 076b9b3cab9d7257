package playback

// Pending exposes the number of unfinished sources to tests.
func Pending(s *Scheduler) int { return s.pending() }
