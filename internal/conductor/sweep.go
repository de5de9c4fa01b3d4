package conductor

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/store"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the
// duration until the next fire time. Returns 0 on parse error.
func nextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	next := sched.Next(time.Now())
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	return d
}

// runSweep fires the idle-session sweep on the configured cron schedule.
func (d *Daemon) runSweep(ctx context.Context) {
	wait := nextCronDuration(d.cfg.Sweep.Schedule)
	if wait <= 0 {
		log.Printf("conductor: sweep schedule %q did not parse; sweep disabled", d.cfg.Sweep.Schedule)
		return
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.sweepOnce()
			if next := nextCronDuration(d.cfg.Sweep.Schedule); next > 0 {
				timer.Reset(next)
			} else {
				return
			}
		}
	}
}

// sweepOnce prunes sessions idle past the TTL from every backend's store
// and expires stale active turns in the activity log.
func (d *Daemon) sweepOnce() {
	ttl := time.Duration(d.cfg.Sweep.IdleTTLHrs) * time.Hour
	cutoff := time.Now().Add(-ttl)

	for kind, st := range d.stores {
		removed := 0
		err := st.Update(func(doc store.SessionStore) error {
			for key, sess := range doc {
				if sess.LastActiveAt.Before(cutoff) {
					delete(doc, key)
					removed++
				}
			}
			return nil
		})
		if err != nil {
			log.Printf("conductor: sweep %s sessions: %v", kind, err)
			continue
		}
		if removed > 0 {
			log.Printf("conductor: sweep removed %d idle %s session(s)", removed, kind)
		}
	}

	if d.gdb != nil {
		n, err := db.ExpireStaleTurns(d.gdb, cutoff)
		if err != nil {
			log.Printf("conductor: %v", err)
		} else if n > 0 {
			log.Printf("conductor: sweep expired %d stale turn(s)", n)
		}
	}
}
