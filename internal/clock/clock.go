package clock

import "time"

// Clock abstracts time so billing runs can be replayed deterministically in tests.
type Clock interface {
	Now() time.Time
}
