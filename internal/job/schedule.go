package job

import (
	"fmt"
	"time"

	"github.com/hashicorp/cronexpr"
)

// schedule holds one job's parsed cron expressions.
type schedule struct {
	exprs []*cronexpr.Expression
}

func newSchedule(lines []string) (*schedule, error) {
	exprs := make([]*cronexpr.Expression, 0, len(lines))

	for _, line := range lines {
		expr, err := cronexpr.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("job: parsing schedule %q: %w", line, err)
		}

		exprs = append(exprs, expr)
	}

	return &schedule{exprs: exprs}, nil
}

// next returns the earliest firing time strictly after from across all of
// the schedule's cron expressions. The zero Time means no schedule fires.
func (s *schedule) next(from time.Time) time.Time {
	var earliest time.Time

	for _, expr := range s.exprs {
		t := expr.Next(from)
		if t.IsZero() {
			continue
		}

		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}

	return earliest
}

// Registry owns the cron schedule for every registered job. On reconfig the
// registry is cleared and rebuilt (spec §4.8 Scheduling).
type Registry struct {
	schedules map[string]*schedule
}

// NewRegistry creates an empty schedule registry.
func NewRegistry() *Registry {
	return &Registry{schedules: make(map[string]*schedule)}
}

// Set replaces job id's schedule, parsing its cron lines fresh.
func (r *Registry) Set(id string, lines []string) error {
	s, err := newSchedule(lines)
	if err != nil {
		return err
	}

	r.schedules[id] = s

	return nil
}

// Remove clears job id's schedule (Disable, or reconfig without schedules).
func (r *Registry) Remove(id string) {
	delete(r.schedules, id)
}

// Next returns job id's earliest firing time after 'after'. ok is false if
// the job has no registered schedule or none of its expressions fire again.
func (r *Registry) Next(id string, after time.Time) (t time.Time, ok bool) {
	s, exists := r.schedules[id]
	if !exists {
		return time.Time{}, false
	}

	next := s.next(after)

	return next, !next.IsZero()
}
