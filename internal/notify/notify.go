package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/smallbiznis/examly/internal/config"
	obsmetrics "github.com/smallbiznis/examly/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Message describes a confirmed payment for operators.
type Message struct {
	InvoiceID          string
	Kind               string
	Amount             int64
	Owner              string
	ExamID             *int64
	SubscriptionEndsAt *time.Time
}

func (m Message) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Payment confirmed\ninvoice: %s\nkind: %s\namount: %d\nowner: %s", m.InvoiceID, m.Kind, m.Amount, m.Owner)
	if m.ExamID != nil {
		fmt.Fprintf(&b, "\nexam: %d", *m.ExamID)
	}
	if m.SubscriptionEndsAt != nil {
		fmt.Fprintf(&b, "\nsubscription ends: %s", m.SubscriptionEndsAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, Message) error { return nil }

// Sender is the subset of *tgbotapi.BotAPI used for delivery.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramNotifier struct {
	sender     Sender
	chatID     int64
	log        *zap.Logger
	obsMetrics *obsmetrics.Metrics
}

func NewTelegramNotifier(sender Sender, chatID int64, log *zap.Logger, m *obsmetrics.Metrics) *TelegramNotifier {
	return &TelegramNotifier{sender: sender, chatID: chatID, log: log, obsMetrics: m}
}

func (n *TelegramNotifier) Notify(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := n.sender.Send(tgbotapi.NewMessage(n.chatID, msg.Text())); err != nil {
		n.obsMetrics.RecordNotifyFailure(ctx, "telegram")
		return fmt.Errorf("telegram send: %w", err)
	}
	n.log.Debug("operator notified", zap.String("invoice_id", msg.InvoiceID))
	return nil
}

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// New picks the Telegram notifier when a bot token and chat are configured.
// A bot that cannot be reached at startup degrades to the no-op notifier.
func New(p Params) Notifier {
	log := p.Log.Named("notify")
	if !p.Cfg.Telegram.Enabled() {
		log.Info("telegram not configured, notifications disabled")
		return NoopNotifier{}
	}
	bot, err := tgbotapi.NewBotAPI(p.Cfg.Telegram.BotToken)
	if err != nil {
		log.Warn("telegram bot unavailable, notifications disabled", zap.Error(err))
		return NoopNotifier{}
	}
	return NewTelegramNotifier(bot, p.Cfg.Telegram.OperatorChatID, log, p.ObsMetrics)
}

var Module = fx.Module("notify",
	fx.Provide(New),
)
