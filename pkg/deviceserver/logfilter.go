package deviceserver

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

const (
	aggregateAt = 3
	repeatAt    = 5
	stopAt      = aggregateAt + 3*repeatAt
)

// RepeatFilter is a logrus formatter that condenses consecutive repetitions
// of a message. The first two pass, the third is marked as aggregated, every
// fifth after that is reported as a batch, and after stopAt the message is
// dropped until a different one is logged.
type RepeatFilter struct {
	mu    sync.Mutex
	next  log.Formatter
	last  string
	count int
}

// NewRepeatFilter wraps next, the formatter that writes the kept entries.
func NewRepeatFilter(next log.Formatter) *RepeatFilter {
	return &RepeatFilter{next: next}
}

func (f *RepeatFilter) Format(entry *log.Entry) ([]byte, error) {
	msg, keep := f.filter(entry.Message)
	if !keep {
		return nil, nil
	}
	if msg == entry.Message {
		return f.next.Format(entry)
	}
	e := entry.Dup()
	e.Level = entry.Level
	e.Caller = entry.Caller
	e.Message = msg
	return f.next.Format(e)
}

func (f *RepeatFilter) filter(msg string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if msg == f.last {
		f.count++
	} else {
		f.count = 1
	}
	f.last = msg

	switch {
	case f.count < aggregateAt:
		return msg, true
	case f.count == aggregateAt:
		return "Aggregating reps. of: " + msg, true
	case f.count < stopAt && (f.count-aggregateAt)%repeatAt == 0:
		return fmt.Sprintf("%d times: %s", repeatAt, msg), true
	case f.count == stopAt:
		return "Suppressing reps. of: " + msg, true
	default:
		return "", false
	}
}
