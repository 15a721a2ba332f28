package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"wiggletrack/internal/config"

	"gopkg.in/gomail.v2"
)

type captureSender struct {
	sent []*gomail.Message
	err  error
}

func (c *captureSender) DialAndSend(m ...*gomail.Message) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, m...)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestNotifier(s sender) *EmailNotifier {
	return &EmailNotifier{
		cfg:    &config.EmailConfig{FromEmail: "alerts@example.com", FromName: "Tracker"},
		logger: discardLogger(),
		dialer: s,
	}
}

func TestEmailNotifier_PriceDrop(t *testing.T) {
	cs := &captureSender{}
	n := newTestNotifier(cs)

	err := n.Send(context.Background(), Contact{Email: "jane@example.com", Name: "Jane Doe"}, KindPriceDrop, PriceDropData{
		ProductName: "Road Shoe <Pro>",
		MinPrice:    8999,
		Currency:    "gbp",
		Link:        "https://prices.example.com/products/p1",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(cs.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(cs.sent))
	}
	m := cs.sent[0]
	if got := m.GetHeader("To"); len(got) != 1 || got[0] != "jane@example.com" {
		t.Fatalf("To = %v", got)
	}
	if got := m.GetHeader("Subject"); len(got) != 1 || got[0] != subjects[KindPriceDrop] {
		t.Fatalf("Subject = %v", got)
	}
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, body, err := render(Contact{Name: "Jane Doe"}, KindPriceDrop, PriceDropData{
		ProductName: "Road Shoe <Pro>",
		MinPrice:    8999,
		Currency:    "gbp",
		Link:        "https://prices.example.com/products/p1",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{"89.99", "GBP", "Hi Jane", "https://prices.example.com/products/p1", "Road Shoe &lt;Pro&gt;"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}
}

func TestEmailNotifier_Errors(t *testing.T) {
	disabled := NewEmailNotifier(&config.EmailConfig{}, discardLogger())
	if err := disabled.Send(context.Background(), Contact{Email: "a@example.com"}, KindPriceDrop, PriceDropData{}); !errors.Is(err, ErrMailDisabled) {
		t.Fatalf("expected ErrMailDisabled, got %v", err)
	}

	n := newTestNotifier(&captureSender{})
	if err := n.Send(context.Background(), Contact{}, KindPriceDrop, PriceDropData{}); !errors.Is(err, ErrEmptyReceiver) {
		t.Fatalf("expected ErrEmptyReceiver, got %v", err)
	}
	if err := n.Send(context.Background(), Contact{Email: "a@example.com"}, Kind("newsletter"), nil); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}

	failing := newTestNotifier(&captureSender{err: errors.New("smtp down")})
	if err := failing.Send(context.Background(), Contact{Email: "a@example.com"}, KindPasswordReset, LinkData{Link: "x"}); err == nil {
		t.Fatalf("expected transport error")
	}
}

func TestRender_LinkKinds(t *testing.T) {
	for _, kind := range []Kind{KindRegistrationConfirmation, KindPasswordReset} {
		subject, body, err := render(Contact{Name: ""}, kind, LinkData{Link: "https://example.com/confirm/abc"})
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if subject == "" || !strings.Contains(body, "https://example.com/confirm/abc") || !strings.Contains(body, "Hi there") {
			t.Fatalf("%s rendered badly: %s", kind, body)
		}
	}
}
