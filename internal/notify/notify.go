// Package notify delivers stop-loss trigger reports and operator alerts over
// email, webhooks and Telegram.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"dhan-tracker/internal/config"
	"dhan-tracker/internal/models"
	"dhan-tracker/pkg/utils"
)

// NotificationChannel defines the interface for a notification channel.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationTrigger NotificationType = "trigger"
	NotificationError   NotificationType = "error"
	NotificationSummary NotificationType = "summary"
	NotificationInfo    NotificationType = "info"
)

// NotificationLevel represents the notification level filter.
type NotificationLevel string

const (
	LevelAll          NotificationLevel = "all"
	LevelTriggersOnly NotificationLevel = "triggers_only"
	LevelErrorsOnly   NotificationLevel = "errors_only"
)

// DailySummary reports the stop-losses that executed on one trading day.
type DailySummary struct {
	Date     string
	Triggers []models.TriggerRecord
}

// TotalPnL sums the known P&L of the day's triggers.
func (s *DailySummary) TotalPnL() float64 {
	total := 0.0
	for _, t := range s.Triggers {
		if t.PnLAmount != nil {
			total += *t.PnLAmount
		}
	}
	return total
}

// MultiNotifier sends notifications to multiple channels.
type MultiNotifier struct {
	channels []NotificationChannel
	level    NotificationLevel
	mu       sync.RWMutex
}

// NewMultiNotifier creates a new MultiNotifier with the given configuration.
func NewMultiNotifier(cfg *config.NotificationConfig) *MultiNotifier {
	mn := &MultiNotifier{
		channels: make([]NotificationChannel, 0),
		level:    NotificationLevel(cfg.Level),
	}

	if mn.level == "" {
		mn.level = LevelAll
	}
	if !cfg.Enabled {
		return mn
	}

	// Add enabled channels
	if cfg.Webhook.Enabled {
		mn.channels = append(mn.channels, NewWebhookNotifier(cfg.Webhook))
	}
	if cfg.Telegram.Enabled {
		mn.channels = append(mn.channels, NewTelegramNotifier(cfg.Telegram))
	}
	if cfg.Email.Enabled {
		mn.channels = append(mn.channels, NewEmailNotifier(cfg.Email))
	}

	return mn
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

// Enabled reports whether at least one channel can deliver.
func (mn *MultiNotifier) Enabled() bool {
	mn.mu.RLock()
	defer mn.mu.RUnlock()
	for _, ch := range mn.channels {
		if ch.IsEnabled() {
			return true
		}
	}
	return false
}

// shouldSend checks if a notification should be sent based on the level filter.
func (mn *MultiNotifier) shouldSend(notifType NotificationType) bool {
	switch mn.level {
	case LevelTriggersOnly:
		return notifType == NotificationTrigger || notifType == NotificationSummary
	case LevelErrorsOnly:
		return notifType == NotificationError
	default:
		return true
	}
}

// Send sends a notification to all enabled channels.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if !mn.shouldSend(n.Type) {
		return nil
	}

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	var errs []string
	for _, ch := range channels {
		if ch.IsEnabled() {
			if err := ch.Send(ctx, n); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// NotifyTrigger reports an executed protective stop-loss.
func (mn *MultiNotifier) NotifyTrigger(ctx context.Context, rec models.TriggerRecord) error {
	outcome := "TRIGGERED"
	pnlLine := "P&L: N/A"
	if rec.PnLAmount != nil {
		outcome = "PROFIT PROTECTED"
		if *rec.PnLAmount < 0 {
			outcome = "LOSS LIMITED"
		}
		pnlLine = "P&L: " + utils.FormatPnL(*rec.PnLAmount)
		if rec.PnLPercent != nil {
			pnlLine += fmt.Sprintf(" (%s)", utils.FormatPercent(*rec.PnLPercent))
		}
	}

	executed := "Market"
	if rec.ExecutedPrice > 0 {
		executed = utils.FormatIndianCurrency(rec.ExecutedPrice)
	}
	cost := "N/A"
	if rec.CostPrice != nil && *rec.CostPrice > 0 {
		cost = utils.FormatIndianCurrency(*rec.CostPrice)
	}

	title := fmt.Sprintf("🔔 SL %s: %s @ %s", outcome, rec.TradingSymbol, utils.FormatIndianCurrency(rec.TriggerPrice))
	message := fmt.Sprintf(
		"Symbol: %s\nQuantity: %d\nTrigger: %s\nExecuted: %s\nCost: %s\n%s\nTier: %s\nOrder: %s (%s)",
		rec.TradingSymbol,
		rec.Quantity,
		utils.FormatIndianCurrency(rec.TriggerPrice),
		executed,
		cost,
		pnlLine,
		orDash(rec.ProtectionTier),
		rec.OrderID,
		rec.OrderStatus,
	)

	data := map[string]interface{}{
		"order_id":       rec.OrderID,
		"symbol":         rec.TradingSymbol,
		"quantity":       rec.Quantity,
		"trigger_price":  rec.TriggerPrice,
		"executed_price": rec.ExecutedPrice,
		"tier":           rec.ProtectionTier,
	}
	if rec.PnLAmount != nil {
		data["pnl"] = *rec.PnLAmount
	}

	return mn.Send(ctx, Notification{
		Type:      NotificationTrigger,
		Title:     title,
		Message:   message,
		Data:      data,
		Timestamp: rec.TriggeredAt,
	})
}

// SendDailySummary reports the day's triggers. Nothing is sent for a quiet day.
func (mn *MultiNotifier) SendDailySummary(ctx context.Context, summary *DailySummary) error {
	if len(summary.Triggers) == 0 {
		return nil
	}

	total := summary.TotalPnL()
	title := fmt.Sprintf("📊 Daily SL Summary: %d triggers, %s", len(summary.Triggers), utils.FormatPnL(total))

	var b strings.Builder
	fmt.Fprintf(&b, "Date: %s\n\n", summary.Date)
	for _, t := range summary.Triggers {
		pnl := "N/A"
		if t.PnLAmount != nil {
			pnl = utils.FormatPnL(*t.PnLAmount)
		}
		fmt.Fprintf(&b, "%-12s %5d @ %s  %s\n", t.TradingSymbol, t.Quantity, utils.FormatIndianCurrency(t.ExecutedPrice), pnl)
	}
	fmt.Fprintf(&b, "\nTotal P&L: %s", utils.FormatPnL(total))

	return mn.Send(ctx, Notification{
		Type:    NotificationSummary,
		Title:   title,
		Message: b.String(),
		Data: map[string]interface{}{
			"date":      summary.Date,
			"triggers":  len(summary.Triggers),
			"total_pnl": total,
		},
	})
}

// Alert sends an operator alert, such as a failed token renewal.
func (mn *MultiNotifier) Alert(ctx context.Context, subject, body string) error {
	return mn.Send(ctx, Notification{
		Type:    NotificationError,
		Title:   "⚠️ " + subject,
		Message: body,
	})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// WebhookNotifier sends notifications via HTTP webhook.
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookNotifier creates a new WebhookNotifier.
func NewWebhookNotifier(cfg config.WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the name of the notifier.
func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// IsEnabled returns whether the notifier is enabled.
func (w *WebhookNotifier) IsEnabled() bool {
	return w.enabled
}

// Send sends a notification via webhook.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	if !w.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"type":      n.Type,
		"title":     n.Title,
		"message":   n.Message,
		"data":      n.Data,
		"timestamp": n.Timestamp.Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "DhanTracker/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

const defaultTelegramBaseURL = "https://api.telegram.org"

// TelegramNotifier sends notifications via Telegram bot.
type TelegramNotifier struct {
	baseURL  string
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// NewTelegramNotifier creates a new TelegramNotifier.
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultTelegramBaseURL
	}
	return &TelegramNotifier{
		baseURL:  strings.TrimRight(baseURL, "/"),
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the name of the notifier.
func (t *TelegramNotifier) Name() string {
	return "telegram"
}

// IsEnabled returns whether the notifier is enabled.
func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

// Send sends a notification via Telegram.
func (t *TelegramNotifier) Send(ctx context.Context, n Notification) error {
	if !t.enabled {
		return nil
	}

	// HTML parse mode
	text := fmt.Sprintf("<b>%s</b>\n\n%s", escapeHTML(n.Title), escapeHTML(n.Message))

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling telegram payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating telegram request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// escapeHTML escapes HTML special characters for Telegram.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// EmailNotifier sends notifications via email using SMTP.
type EmailNotifier struct {
	smtpHost string
	smtpPort int
	username string
	password string
	from     string
	to       string
	enabled  bool
}

// NewEmailNotifier creates a new EmailNotifier. The sender defaults to the
// SMTP username, as with a Gmail app password.
func NewEmailNotifier(cfg config.EmailConfig) *EmailNotifier {
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return &EmailNotifier{
		smtpHost: cfg.SMTPHost,
		smtpPort: cfg.SMTPPort,
		username: cfg.Username,
		password: cfg.Password,
		from:     from,
		to:       cfg.To,
		enabled:  cfg.Enabled && cfg.SMTPHost != "" && from != "" && cfg.To != "",
	}
}

// Name returns the name of the notifier.
func (e *EmailNotifier) Name() string {
	return "email"
}

// IsEnabled returns whether the notifier is enabled.
func (e *EmailNotifier) IsEnabled() bool {
	return e.enabled
}

// Send sends a notification via email.
func (e *EmailNotifier) Send(ctx context.Context, n Notification) error {
	if !e.enabled {
		return nil
	}

	msg := e.buildMessage(n)
	addr := fmt.Sprintf("%s:%d", e.smtpHost, e.smtpPort)

	var auth smtp.Auth
	if e.username != "" && e.password != "" {
		auth = smtp.PlainAuth("", e.username, e.password, e.smtpHost)
	}

	// Implicit TLS on 465, STARTTLS negotiated by SendMail otherwise
	if e.smtpPort == 465 {
		return e.sendWithTLS(addr, auth, msg)
	}

	return smtp.SendMail(addr, auth, e.from, []string{e.to}, []byte(msg))
}

func (e *EmailNotifier) buildMessage(n Notification) string {
	body := n.Message
	if len(n.Data) > 0 {
		dataJSON, _ := json.MarshalIndent(n.Data, "", "  ")
		body += "\n\n---\nData:\n" + string(dataJSON)
	}

	return fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		e.from, e.to, n.Title, n.Timestamp.Format(time.RFC1123Z), body)
}

// sendWithTLS sends email using implicit TLS (port 465).
func (e *EmailNotifier) sendWithTLS(addr string, auth smtp.Auth, msg string) error {
	tlsConfig := &tls.Config{
		ServerName: e.smtpHost,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("TLS dial failed: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, e.smtpHost)
	if err != nil {
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP auth failed: %w", err)
		}
	}

	if err := client.Mail(e.from); err != nil {
		return fmt.Errorf("SMTP MAIL command failed: %w", err)
	}

	if err := client.Rcpt(e.to); err != nil {
		return fmt.Errorf("SMTP RCPT command failed: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA command failed: %w", err)
	}

	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("writing email body: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("closing email body: %w", err)
	}

	return client.Quit()
}
