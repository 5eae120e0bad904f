package tracker

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSpec runs the retention sweep once per hour.
const DefaultSweepSpec = "@hourly"

// StartSweep schedules t.Sweep on the given cron spec (DefaultSweepSpec if
// empty). It returns a stop function that halts the schedule.
func StartSweep(t *Tracker, spec string) (func(), error) {
	if spec == "" {
		spec = DefaultSweepSpec
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { t.Sweep() }); err != nil {
		return nil, fmt.Errorf("tracker: sweep schedule %q: %w", spec, err)
	}
	c.Start()
	return func() { c.Stop() }, nil
}
