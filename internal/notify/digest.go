package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Digest posts a periodic status summary on a cron schedule.
type Digest struct {
	sched    cron.Schedule
	notifier Notifier
	build    func() (Alert, bool)
	log      logrus.FieldLogger
}

// NewDigest parses expr and returns a digest that, on each fire, calls build
// and sends the alert when build reports ok.
func NewDigest(expr string, n Notifier, build func() (Alert, bool), log logrus.FieldLogger) (*Digest, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("notify: digest schedule %q: %w", expr, err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Digest{sched: sched, notifier: n, build: build, log: log.WithField("component", "digest")}, nil
}

// Next returns the next fire time after t.
func (d *Digest) Next(t time.Time) time.Time { return d.sched.Next(t) }

// Fire builds and sends one digest. It reports whether anything was sent.
func (d *Digest) Fire(ctx context.Context) (bool, error) {
	a, ok := d.build()
	if !ok {
		return false, nil
	}
	if err := d.notifier.Notify(ctx, a); err != nil {
		return false, fmt.Errorf("notify: digest: %w", err)
	}
	return true, nil
}

// Run fires the digest on schedule until ctx is cancelled.
func (d *Digest) Run(ctx context.Context) {
	for {
		wait := time.Until(d.Next(time.Now()))
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if sent, err := d.Fire(ctx); err != nil {
			d.log.WithError(err).Warn("digest failed")
		} else if sent {
			d.log.Debug("digest sent")
		}
	}
}
