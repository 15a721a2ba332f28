package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"strings"

	"wiggletrack/internal/config"
	"wiggletrack/internal/pricing"

	"gopkg.in/gomail.v2"
)

// sender is satisfied by *gomail.Dialer.
type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailNotifier sends mail over SMTP.
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
	dialer sender
}

// NewEmailNotifier creates a notifier. Without SMTP settings every Send fails
// with ErrMailDisabled, so subscriptions stay pending until mail is configured.
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	n := &EmailNotifier{cfg: cfg, logger: logger}
	if n.configured() {
		n.dialer = gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
	}
	return n
}

func (n *EmailNotifier) configured() bool {
	return n.cfg != nil && n.cfg.SMTPHost != "" && n.cfg.SMTPUser != "" && n.cfg.FromEmail != ""
}

// Send renders and delivers one mail.
func (n *EmailNotifier) Send(ctx context.Context, contact Contact, kind Kind, data any) error {
	if n.dialer == nil {
		n.logger.Warn("email config missing, mail not sent",
			slog.String("kind", string(kind)),
			slog.String("to", contact.Email))
		return ErrMailDisabled
	}
	if strings.TrimSpace(contact.Email) == "" {
		return ErrEmptyReceiver
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m, err := n.buildMessage(contact, kind, data)
	if err != nil {
		return err
	}
	if err := n.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("email sent", slog.String("to", contact.Email), slog.String("kind", string(kind)))
	return nil
}

func (n *EmailNotifier) buildMessage(contact Contact, kind Kind, data any) (*gomail.Message, error) {
	subject, body, err := render(contact, kind, data)
	if err != nil {
		return nil, err
	}
	m := gomail.NewMessage()
	m.SetAddressHeader("From", n.cfg.FromEmail, n.cfg.FromName)
	m.SetHeader("To", contact.Email)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body)
	return m, nil
}

type templateView struct {
	FirstName   string
	Link        string
	ProductName string
	Price       string
	Currency    string
}

var subjects = map[Kind]string{
	KindRegistrationConfirmation: "Welcome to Wiggle Price Tracker!",
	KindPasswordReset:            "Reset your password",
	KindPriceDrop:                "A product reached the price you are looking for",
}

var templates = map[Kind]*template.Template{
	KindRegistrationConfirmation: template.Must(template.New("registration").Parse(layout(`
      <p>Hi {{.FirstName}},</p>
      <p>Thanks for signing up. Please confirm your email address to start tracking prices.</p>
      <p style="text-align:center;"><a class="cta" href="{{.Link}}">Confirm email</a></p>`))),
	KindPasswordReset: template.Must(template.New("reset").Parse(layout(`
      <p>Hi {{.FirstName}},</p>
      <p>Someone asked to reset your password. The link is valid for 10 minutes.</p>
      <p style="text-align:center;"><a class="cta" href="{{.Link}}">Reset password</a></p>
      <p class="footer">If this was not you, ignore this mail.</p>`))),
	KindPriceDrop: template.Must(template.New("price-drop").Parse(layout(`
      <p>Hi {{.FirstName}},</p>
      <p class="title">{{.ProductName}}</p>
      <p class="price">{{.Price}} {{.Currency}}</p>
      <p style="text-align:center;"><a class="cta" href="{{.Link}}">View product</a></p>
      <p class="footer">Your price alert has been removed. Enable it again on the product page.</p>`))),
}

func layout(content string) string {
	return `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 600px; margin: 24px auto; background: #ffffff; border-radius: 12px; border: 1px solid #e5e7eb; }
  .content { padding: 20px; }
  .price { font-size: 26px; font-weight: bold; color: #ef4444; }
  .title { font-size: 16px; }
  .cta { display: inline-block; padding: 12px 20px; background: #22c55e; color: #fff; text-decoration: none; border-radius: 8px; font-weight: bold; }
  .footer { margin-top: 20px; font-size: 12px; color: #6b7280; }
</style>
</head>
<body>
  <div class="card">
    <div class="content">` + content + `
    </div>
  </div>
</body>
</html>`
}

func render(contact Contact, kind Kind, data any) (string, string, error) {
	tpl, ok := templates[kind]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	view := templateView{FirstName: firstName(contact.Name)}
	switch d := data.(type) {
	case PriceDropData:
		view.ProductName = d.ProductName
		view.Price = pricing.Format(d.MinPrice)
		view.Currency = strings.ToUpper(d.Currency)
		view.Link = d.Link
	case LinkData:
		view.Link = d.Link
	case nil:
	default:
		return "", "", fmt.Errorf("unsupported mail data %T", data)
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, view); err != nil {
		return "", "", fmt.Errorf("render %s: %w", kind, err)
	}
	return subjects[kind], buf.String(), nil
}

func firstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "there"
	}
	return fields[0]
}
