package slack

import (
	"context"
	"errors"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/simbridge/internal/notify"
)

type mockClient struct {
	posts   int
	channel string
	errs    []error
}

func (m *mockClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.posts++
	m.channel = channelID
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return "", "", err
	}
	return channelID, "1700000000.000100", nil
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{BotToken: "xoxb-1"}); err == nil {
		t.Error("expected error without channel id")
	}
	if _, err := New(Opts{ChannelID: "C1"}); err == nil {
		t.Error("expected error without bot token")
	}
	if _, err := New(Opts{BotToken: "xoxb-1", ChannelID: "C1"}); err != nil {
		t.Errorf("New: %v", err)
	}
}

func TestNotify_Posts(t *testing.T) {
	mc := &mockClient{}
	n, err := New(Opts{ChannelID: "C123", Client: mc})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = n.Notify(context.Background(), notify.Alert{Severity: notify.SeverityError, Title: "engine exited"})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if mc.posts != 1 || mc.channel != "C123" {
		t.Errorf("posts = %d channel = %q", mc.posts, mc.channel)
	}
}

func TestNotify_RetriesRateLimit(t *testing.T) {
	mc := &mockClient{errs: []error{&slackapi.RateLimitedError{RetryAfter: time.Millisecond}}}
	n, _ := New(Opts{ChannelID: "C1", Client: mc})

	if err := n.Notify(context.Background(), notify.Alert{Title: "x"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if mc.posts != 2 {
		t.Errorf("posts = %d, want 2", mc.posts)
	}
}

func TestNotify_OtherErrorNotRetried(t *testing.T) {
	mc := &mockClient{errs: []error{errors.New("channel_not_found")}}
	n, _ := New(Opts{ChannelID: "C1", Client: mc})

	if err := n.Notify(context.Background(), notify.Alert{Title: "x"}); err == nil {
		t.Fatal("expected error")
	}
	if mc.posts != 1 {
		t.Errorf("posts = %d, want 1", mc.posts)
	}
}

func TestAlertToAttachment(t *testing.T) {
	att := alertToAttachment(notify.Alert{
		Severity: notify.SeverityWarning,
		Title:    "stall",
		Body:     "time stuck",
		Fields:   []notify.Field{{Name: "streak", Value: "3", Short: true}},
	})
	if att.Title != "stall" || att.Text != "time stuck" || att.Fallback != "stall" {
		t.Errorf("attachment = %+v", att)
	}
	if att.Color != notify.ColorWarning {
		t.Errorf("Color = %q, want %q", att.Color, notify.ColorWarning)
	}
	if len(att.Fields) != 1 || att.Fields[0].Title != "streak" || !att.Fields[0].Short {
		t.Errorf("fields = %+v", att.Fields)
	}
}
