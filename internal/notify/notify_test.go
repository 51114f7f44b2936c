package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/smallbiznis/examly/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	args := m.Called(c)
	return tgbotapi.Message{}, args.Error(0)
}

func TestTelegramNotifierSendsToOperatorChat(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.MatchedBy(func(c tgbotapi.Chattable) bool {
		msg, ok := c.(tgbotapi.MessageConfig)
		return ok && msg.ChatID == 42 && msg.Text != ""
	})).Return(nil).Once()

	n := NewTelegramNotifier(sender, 42, zap.NewNop(), nil)
	require.NoError(t, n.Notify(context.Background(), Message{InvoiceID: "inv-1", Kind: "one-time", Amount: 1500000, Owner: "guest:g1"}))
	sender.AssertExpectations(t)
}

func TestTelegramNotifierWrapsSendError(t *testing.T) {
	sender := &mockSender{}
	sendErr := errors.New("bad gateway")
	sender.On("Send", mock.Anything).Return(sendErr)

	n := NewTelegramNotifier(sender, 42, zap.NewNop(), nil)
	err := n.Notify(context.Background(), Message{InvoiceID: "inv-1"})
	assert.ErrorIs(t, err, sendErr)
}

func TestMessageText(t *testing.T) {
	exam := int64(10)
	ends := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)
	text := Message{InvoiceID: "inv-1", Kind: "subscription", Amount: 9900000, Owner: "user:7", ExamID: &exam, SubscriptionEndsAt: &ends}.Text()
	assert.Contains(t, text, "invoice: inv-1")
	assert.Contains(t, text, "exam: 10")
	assert.Contains(t, text, "2024-10-01T00:00:00Z")
}

func TestNewWithoutTelegramIsNoop(t *testing.T) {
	n := New(Params{Cfg: config.Config{}, Log: zap.NewNop()})
	assert.IsType(t, NoopNotifier{}, n)
	assert.NoError(t, n.Notify(context.Background(), Message{}))
}
