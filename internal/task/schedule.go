package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// ScheduleConfig holds recurrence rule fields.
type ScheduleConfig struct {
	Frequency string   `mapstructure:"frequency"`
	Interval  int      `mapstructure:"interval"`
	Hours     []int    `mapstructure:"hours"`
	Minutes   []int    `mapstructure:"minutes"`
	Seconds   []int    `mapstructure:"seconds"`
	Weekdays  []string `mapstructure:"weekdays"`
}

// Schedule computes trigger times from a recurrence rule.
type Schedule struct {
	rule *rrule.RRule
}

var weekdays = map[string]rrule.Weekday{
	"MO": rrule.MO, "TU": rrule.TU, "WE": rrule.WE, "TH": rrule.TH,
	"FR": rrule.FR, "SA": rrule.SA, "SU": rrule.SU,
}

// NewSchedule builds a rule anchored at start. Seconds default to zero so
// triggers land on whole minutes.
func NewSchedule(cfg ScheduleConfig, start time.Time) (*Schedule, error) {
	freq, err := rrule.StrToFreq(strings.ToUpper(cfg.Frequency))
	if err != nil {
		return nil, fmt.Errorf("schedule frequency %q: %w", cfg.Frequency, err)
	}
	opt := rrule.ROption{
		Freq:     freq,
		Dtstart:  start.Truncate(time.Second),
		Interval: cfg.Interval,
		Byhour:   cfg.Hours,
		Byminute: cfg.Minutes,
		Bysecond: cfg.Seconds,
	}
	if len(opt.Bysecond) == 0 {
		opt.Bysecond = []int{0}
	}
	for _, day := range cfg.Weekdays {
		wd, ok := weekdays[strings.ToUpper(day)]
		if !ok {
			return nil, fmt.Errorf("schedule weekday %q is not one of MO..SU", day)
		}
		opt.Byweekday = append(opt.Byweekday, wd)
	}
	rule, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("build schedule: %w", err)
	}
	return &Schedule{rule: rule}, nil
}

// Next returns the first trigger strictly after t, or the zero time when the rule is exhausted.
func (s *Schedule) Next(t time.Time) time.Time {
	return s.rule.After(t, false)
}
