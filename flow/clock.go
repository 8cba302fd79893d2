package flow

import "time"

// nowMillis returns the current wall clock in epoch milliseconds, the
// time unit used throughout execution records.
func nowMillis() int64 { return time.Now().UnixMilli() }
