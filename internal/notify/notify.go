// Package notify sends alerts when a binding needs user action and when it
// recovers. It consumes run events from the activity broadcaster.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/smtp"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/macjediwizard/caldavsync/internal/activity"
	"github.com/macjediwizard/caldavsync/internal/db"
	"github.com/macjediwizard/caldavsync/internal/engine"
	"github.com/macjediwizard/caldavsync/internal/validator"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// AlertType represents the type of alert.
type AlertType string

const (
	AlertTypeFailure  AlertType = "failure"
	AlertTypeRecovery AlertType = "recovery"
	AlertTypeTest     AlertType = "test"
)

// Alert represents a notification alert.
type Alert struct {
	Type          AlertType
	BindingID     string
	IntegrationID string
	BindingName   string
	Reason        string
	Message       string
	Details       string
	Timestamp     time.Time
}

// Config holds notification configuration.
type Config struct {
	WebhookEnabled bool
	WebhookURL     string

	EmailEnabled bool
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       []string
	SMTPTLS      bool

	// CooldownPeriod is the minimum time between two failure alerts for the
	// same binding and reason.
	CooldownPeriod time.Duration
}

// BindingLookup resolves binding names for alert text.
type BindingLookup interface {
	GetBinding(id string) (*db.CollectionBinding, error)
}

// Notifier sends alert notifications.
type Notifier struct {
	cfg        *Config
	bindings   BindingLookup
	httpClient *http.Client

	mu sync.Mutex
	// failing maps a binding to the reason it was last alerted for.
	failing   map[string]string
	lastAlert map[string]time.Time

	wg  sync.WaitGroup
	now func() time.Time
}

// New creates a Notifier. bindings may be nil.
func New(cfg *Config, bindings BindingLookup) *Notifier {
	return &Notifier{
		cfg:        cfg,
		bindings:   bindings,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		failing:    make(map[string]string),
		lastAlert:  make(map[string]time.Time),
		now:        time.Now,
	}
}

// ValidateConfig validates the notification configuration.
func ValidateConfig(cfg *Config, v *validator.Validator) error {
	if cfg.WebhookEnabled {
		if cfg.WebhookURL == "" {
			return fmt.Errorf("webhook URL is required when webhook is enabled")
		}
		if err := v.ValidateWebhookURL(cfg.WebhookURL); err != nil {
			return fmt.Errorf("invalid webhook URL: %w", err)
		}
	}

	if cfg.EmailEnabled {
		if cfg.SMTPHost == "" {
			return fmt.Errorf("SMTP host is required when email is enabled")
		}
		if cfg.SMTPPort < 1 || cfg.SMTPPort > 65535 {
			return fmt.Errorf("SMTP port must be between 1 and 65535")
		}
		if !isValidEmail(cfg.SMTPFrom) {
			return fmt.Errorf("invalid SMTP from address")
		}
		if len(cfg.SMTPTo) == 0 {
			return fmt.Errorf("at least one SMTP recipient is required when email is enabled")
		}
		for _, to := range cfg.SMTPTo {
			if !isValidEmail(to) {
				return fmt.Errorf("invalid SMTP recipient address: %s", to)
			}
		}
	}

	if cfg.CooldownPeriod < time.Minute {
		return fmt.Errorf("cooldown period must be at least 1 minute")
	}
	return nil
}

func isValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// sanitizeForEmail removes characters that could be used for email header injection.
func sanitizeForEmail(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// IsEnabled returns true if any notification method is enabled.
func (n *Notifier) IsEnabled() bool {
	return n.cfg.WebhookEnabled || n.cfg.EmailEnabled
}

// Run forwards broadcaster events to Handle until ctx is done.
func (n *Notifier) Run(ctx context.Context, b *activity.Broadcaster) {
	events, unsubscribe := b.Subscribe("")
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.Handle(ctx, ev)
		}
	}
}

// Wait blocks until alerts already being sent are done.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Handle sends a failure alert for runs that failed with a reason the user
// must act on, and a recovery alert for the next completed run of a binding
// that was alerted. It reports whether an alert was sent.
func (n *Notifier) Handle(ctx context.Context, ev activity.Event) bool {
	switch ev.Type {
	case activity.EventFailed:
		if ev.Error == nil || !engine.Reason(ev.Error.Reason).Actionable() {
			return false
		}
		return n.failure(ctx, ev)
	case activity.EventCompleted:
		return n.recovery(ctx, ev)
	}
	return false
}

func (n *Notifier) failure(ctx context.Context, ev activity.Event) bool {
	reason := ev.Error.Reason
	now := n.now()

	n.mu.Lock()
	if prev, ok := n.failing[ev.BindingID]; ok && prev == reason && now.Sub(n.lastAlert[ev.BindingID]) < n.cfg.CooldownPeriod {
		n.mu.Unlock()
		return false
	}
	n.failing[ev.BindingID] = reason
	n.lastAlert[ev.BindingID] = now
	n.mu.Unlock()

	name := n.bindingName(ev.BindingID)
	alert := Alert{
		Type:          AlertTypeFailure,
		BindingID:     ev.BindingID,
		IntegrationID: ev.IntegrationID,
		BindingName:   name,
		Reason:        reason,
		Message:       fmt.Sprintf("Calendar '%s' stopped syncing", name),
		Details:       failureDetails(reason, ev.Error.Message),
		Timestamp:     now,
	}
	n.dispatch(ctx, alert)
	return true
}

func (n *Notifier) recovery(ctx context.Context, ev activity.Event) bool {
	n.mu.Lock()
	_, wasFailing := n.failing[ev.BindingID]
	delete(n.failing, ev.BindingID)
	delete(n.lastAlert, ev.BindingID)
	n.mu.Unlock()
	if !wasFailing {
		return false
	}

	name := n.bindingName(ev.BindingID)
	n.dispatch(ctx, Alert{
		Type:          AlertTypeRecovery,
		BindingID:     ev.BindingID,
		IntegrationID: ev.IntegrationID,
		BindingName:   name,
		Message:       fmt.Sprintf("Calendar '%s' has recovered", name),
		Details:       "The calendar is syncing normally again",
		Timestamp:     n.now(),
	})
	return true
}

func failureDetails(reason, message string) string {
	switch engine.Reason(reason) {
	case engine.ReasonAuthExpired:
		return "The calendar server rejected the stored credentials. Reconnect the account to resume syncing."
	case engine.ReasonCollectionUnavailable:
		return fmt.Sprintf("The remote calendar is unavailable or no longer exists (%s). Check the calendar on the server.", message)
	}
	return message
}

// ClearBinding forgets alert state for a removed binding.
func (n *Notifier) ClearBinding(bindingID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.failing, bindingID)
	delete(n.lastAlert, bindingID)
}

// FailingBindings returns the ids of bindings currently alerted as failing.
func (n *Notifier) FailingBindings() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.failing))
	for id := range n.failing {
		ids = append(ids, id)
	}
	return ids
}

func (n *Notifier) bindingName(id string) string {
	if n.bindings == nil {
		return id
	}
	b, err := n.bindings.GetBinding(id)
	if err != nil {
		return id
	}
	if b.DisplayName != "" {
		return b.DisplayName
	}
	return b.CollectionURL
}

// dispatch sends the alert in the background so the event stream never waits
// on a slow webhook or mail server.
func (n *Notifier) dispatch(ctx context.Context, alert Alert) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.send(context.WithoutCancel(ctx), alert)
	}()
}

// send sends the alert via all configured channels.
func (n *Notifier) send(ctx context.Context, alert Alert) {
	if n.cfg.WebhookEnabled && n.cfg.WebhookURL != "" {
		if err := n.sendWebhook(ctx, n.cfg.WebhookURL, alert); err != nil {
			log.Printf("[Notify] Webhook error: %v", err)
		}
	}
	if n.cfg.EmailEnabled && len(n.cfg.SMTPTo) > 0 {
		if err := n.sendEmail(alert, n.cfg.SMTPTo); err != nil {
			log.Printf("[Notify] Email error: %v", err)
		}
	}
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	AlertType     string `json:"alert_type"`
	BindingID     string `json:"binding_id"`
	IntegrationID string `json:"integration_id,omitempty"`
	BindingName   string `json:"binding_name"`
	Reason        string `json:"reason,omitempty"`
	Message       string `json:"message"`
	Details       string `json:"details"`
	Timestamp     string `json:"timestamp"`
	// Slack-compatible fields
	Text string `json:"text,omitempty"`
}

func (n *Notifier) sendWebhook(ctx context.Context, webhookURL string, alert Alert) error {
	emoji := ":x:"
	switch alert.Type {
	case AlertTypeRecovery:
		emoji = ":white_check_mark:"
	case AlertTypeTest:
		emoji = ":rocket:"
	}

	payload := WebhookPayload{
		AlertType:     string(alert.Type),
		BindingID:     alert.BindingID,
		IntegrationID: alert.IntegrationID,
		BindingName:   alert.BindingName,
		Reason:        alert.Reason,
		Message:       alert.Message,
		Details:       alert.Details,
		Timestamp:     alert.Timestamp.Format(time.RFC3339),
		Text:          fmt.Sprintf("%s *%s*\n%s", emoji, alert.Message, alert.Details),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	log.Printf("[Notify] Webhook sent: %s", alert.Message)
	return nil
}

// buildEmail renders the alert as a plain text message with MIME headers.
func (n *Notifier) buildEmail(alert Alert, recipients []string) []byte {
	message := sanitizeForEmail(alert.Message)

	var body strings.Builder
	fmt.Fprintf(&body, "Alert Type: %s\n", alert.Type)
	fmt.Fprintf(&body, "Calendar: %s\n", sanitizeForEmail(alert.BindingName))
	fmt.Fprintf(&body, "Binding ID: %s\n", alert.BindingID)
	if alert.Reason != "" {
		fmt.Fprintf(&body, "Reason: %s\n", alert.Reason)
	}
	fmt.Fprintf(&body, "Time: %s\n\n", alert.Timestamp.Format(time.RFC1123))
	fmt.Fprintf(&body, "%s\n%s\n", message, sanitizeForEmail(alert.Details))

	return []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [caldavsync] %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		n.cfg.SMTPFrom, strings.Join(recipients, ", "), message, body.String()))
}

func (n *Notifier) sendEmail(alert Alert, recipients []string) error {
	msg := n.buildEmail(alert, recipients)
	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)

	var auth smtp.Auth
	if n.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUsername, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	}

	var err error
	if n.cfg.SMTPTLS {
		err = n.sendEmailTLS(addr, auth, n.cfg.SMTPFrom, recipients, msg)
	} else {
		err = smtp.SendMail(addr, auth, n.cfg.SMTPFrom, recipients, msg)
	}
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	log.Printf("[Notify] Email sent to %d recipients: %s", len(recipients), sanitizeForEmail(alert.Message))
	return nil
}

// sendEmailTLS sends email over implicit TLS (port 465).
func (n *Notifier) sendEmailTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: n.cfg.SMTPHost, MinVersion: tls.VersionTLS12})
	if err != nil {
		return fmt.Errorf("dial TLS: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, n.cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, recipient := range to {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("rcpt to %s: %w", recipient, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return client.Quit()
}

// SendTestWebhook sends a test message to the configured webhook.
func (n *Notifier) SendTestWebhook(ctx context.Context) error {
	if !n.cfg.WebhookEnabled || n.cfg.WebhookURL == "" {
		return fmt.Errorf("webhook is not configured")
	}
	return n.sendWebhook(ctx, n.cfg.WebhookURL, Alert{
		Type:        AlertTypeTest,
		BindingName: "Test",
		Message:     "Test webhook from caldavsync",
		Details:     "This is a test message to verify your webhook configuration",
		Timestamp:   n.now(),
	})
}
