package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"rehoboam/internal/logging"
	"rehoboam/internal/model"
)

// Kind 区分告警来源。
type Kind string

const (
	KindManipulation Kind = "manipulation"
	KindDivergence   Kind = "divergence"
	KindIntervention Kind = "intervention"
)

// Notification 封装告警上下文。
type Notification struct {
	Kind       Kind
	Subject    string
	Severity   model.Severity
	Title      string
	Score      decimal.Decimal
	Timestamp  time.Time
	Details    map[string]string
	Actions    []string
	Channels   []string
	Additional string
}

// Key identifies notifications that share a cooldown.
func (n Notification) Key() string {
	return string(n.Kind) + "|" + n.Subject
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logging.Component(logger, "alert_telegram"),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    Render(note),
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram 返回 ok=false")
	}

	n.logger.Info().
		Str("kind", string(note.Kind)).
		Str("subject", note.Subject).
		Str("severity", string(note.Severity)).
		Msg("告警已发送 (Telegram)")
	return nil
}

// LogNotifier writes notifications to the log. It is the default sink when no
// external channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.Component(logger, "alert_log")}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	ev := n.logger.Info()
	if note.Severity.Rank() >= model.SeverityHigh.Rank() {
		ev = n.logger.Warn()
	}
	ev.Str("kind", string(note.Kind)).
		Str("subject", note.Subject).
		Str("severity", string(note.Severity)).
		Str("score", note.Score.StringFixed(3)).
		Strs("actions", note.Actions).
		Msg(note.Title)
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Render formats a notification as plain text.
func Render(note Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Rehoboam %s] %s\n", strings.ToUpper(string(note.Severity)), note.Title)
	fmt.Fprintf(&b, "Kind: %s\n", note.Kind)
	if note.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", note.Subject)
	}
	fmt.Fprintf(&b, "Time: %s UTC\n", note.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Score: %s\n", note.Score.StringFixed(3))
	if len(note.Details) > 0 {
		keys := make([]string, 0, len(note.Details))
		for k := range note.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, note.Details[k])
		}
	}
	if len(note.Actions) > 0 {
		fmt.Fprintf(&b, "Actions: %s\n", strings.Join(note.Actions, ", "))
	}
	if len(note.Channels) > 0 {
		fmt.Fprintf(&b, "Channels: %s\n", strings.Join(note.Channels, ","))
	}
	if note.Additional != "" {
		b.WriteString(note.Additional)
	}
	return b.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)
