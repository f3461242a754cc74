// Package clock defines the time source shared by schedulers and rate limiters.
package clock

import "time"

// Clock reports the current time and delivers timer events.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}
