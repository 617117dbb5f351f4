package notify

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type recorder struct {
	alerts []Alert
	err    error
}

func (r *recorder) Notify(_ context.Context, a Alert) error {
	r.alerts = append(r.alerts, a)
	return r.err
}

func TestSeverityColor(t *testing.T) {
	tests := map[string]string{
		SeveritySuccess: ColorSuccess,
		SeverityInfo:    ColorInfo,
		SeverityWarning: ColorWarning,
		SeverityError:   ColorError,
		"":              ColorInfo,
	}
	for sev, want := range tests {
		if got := SeverityColor(sev); got != want {
			t.Errorf("SeverityColor(%q) = %q, want %q", sev, got, want)
		}
	}
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	a, b := &recorder{}, &recorder{err: errors.New("down")}
	err := Multi{a, b}.Notify(context.Background(), Alert{Title: "t"})
	if err == nil || err.Error() != "down" {
		t.Errorf("err = %v, want down", err)
	}
	if len(a.alerts) != 1 || len(b.alerts) != 1 {
		t.Errorf("delivered %d/%d, want 1/1", len(a.alerts), len(b.alerts))
	}
}

func TestCombine(t *testing.T) {
	if _, ok := Combine().(Nop); !ok {
		t.Error("Combine() should be Nop")
	}
	r := &recorder{}
	if Combine(nil, r) != Notifier(r) {
		t.Error("Combine with one notifier should return it")
	}
	if m, ok := Combine(r, &recorder{}).(Multi); !ok || len(m) != 2 {
		t.Errorf("Combine(two) = %T", Combine(r, &recorder{}))
	}
}

func TestNewDigest_BadSchedule(t *testing.T) {
	if _, err := NewDigest("not a cron", Nop{}, nil, nil); err == nil {
		t.Error("expected parse error")
	}
}

func TestDigest_Next(t *testing.T) {
	d, err := NewDigest("0 * * * *", Nop{}, nil, nil)
	if err != nil {
		t.Fatalf("NewDigest: %v", err)
	}
	from := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	want := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	if got := d.Next(from); !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestDigest_Fire(t *testing.T) {
	r := &recorder{}
	connected := false
	build := func() (Alert, bool) { return Alert{Title: "status"}, connected }
	log := logrus.New()
	log.SetOutput(io.Discard)
	d, err := NewDigest("*/5 * * * *", r, build, log)
	if err != nil {
		t.Fatalf("NewDigest: %v", err)
	}

	sent, err := d.Fire(context.Background())
	if err != nil || sent {
		t.Errorf("Fire while idle = %v, %v; want false, nil", sent, err)
	}
	connected = true
	sent, err = d.Fire(context.Background())
	if err != nil || !sent || len(r.alerts) != 1 {
		t.Errorf("Fire = %v, %v, alerts = %d", sent, err, len(r.alerts))
	}
}

func TestDigest_RunStopsOnCancel(t *testing.T) {
	d, _ := NewDigest("0 0 1 1 *", Nop{}, func() (Alert, bool) { return Alert{}, false }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
