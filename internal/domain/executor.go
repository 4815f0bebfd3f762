package domain

import "time"

// Executor is one registered engine process. Workers heartbeat last_active so
// the recovery sweep can detect jobs claimed by a dead process.
type Executor struct {
	ID         int64
	Name       string
	Started    time.Time
	LastActive time.Time
}
