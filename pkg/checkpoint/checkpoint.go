// Package checkpoint records which work units finished on the current
// UTC calendar day so an interrupted pass can resume without redoing them.
//
// Both stores buffer marks in memory until Flush. A mark is visible to
// IsDone as soon as it is made; it is durable only after Flush. When the
// date rolls over, the previous day's entries no longer count as done.
package checkpoint

import (
	"time"

	"github.com/Sternrassler/yt-harvester/pkg/domain"
)

// DateLayout formats the day a checkpoint belongs to.
const DateLayout = "2006-01-02"

// Failure is a unit that ended without success.
type Failure struct {
	Result domain.WorkResult `json:"result"`
	Reason string            `json:"reason"`
}

// Day is the checkpoint of one calendar day.
type Day struct {
	Date      string                       `json:"date"`
	Done      map[string]domain.WorkResult `json:"done"`
	Failed    map[string]Failure           `json:"failed"`
	Totals    domain.WorkResult            `json:"totals"`
	UpdatedAt time.Time                    `json:"updated_at"`
}

func newDay(date string) *Day {
	return &Day{
		Date:   date,
		Done:   make(map[string]domain.WorkResult),
		Failed: make(map[string]Failure),
	}
}

func (d *Day) markDone(res domain.WorkResult) {
	delete(d.Failed, res.UnitID)
	if _, seen := d.Done[res.UnitID]; !seen {
		d.Totals.Add(res)
	}
	d.Done[res.UnitID] = res
}

func (d *Day) markFailed(res domain.WorkResult, reason string) {
	if _, done := d.Done[res.UnitID]; done {
		return
	}
	d.Failed[res.UnitID] = Failure{Result: res, Reason: reason}
}

func (d *Day) clone() Day {
	c := *d
	c.Done = make(map[string]domain.WorkResult, len(d.Done))
	for k, v := range d.Done {
		c.Done[k] = v
	}
	c.Failed = make(map[string]Failure, len(d.Failed))
	for k, v := range d.Failed {
		c.Failed[k] = v
	}
	return c
}

// dateOf returns the UTC day of t, the same period the quota resets on.
func dateOf(t time.Time) string {
	return t.UTC().Format(DateLayout)
}
