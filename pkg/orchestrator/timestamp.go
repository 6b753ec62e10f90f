package orchestrator

import (
	"fmt"
	"sync/atomic"
	"time"
)

var disambiguator uint64

// Clock abstracts time.Now for deterministic timestamp tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// runTimestamp formats now as the UTC, colon-free timestamp shared by a
// run's .versions/<ts> and .trash/<ts> directories, disambiguated with a
// monotonic counter for near-simultaneous runs.
func runTimestamp(now time.Time) string {
	base := now.UTC().Format("2006-01-02_15-04-05")
	n := atomic.AddUint64(&disambiguator, 1)
	return fmt.Sprintf("%s-%04d", base, n%10000)
}
