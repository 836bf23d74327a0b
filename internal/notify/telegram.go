package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink 通过 Bot API 推送告警，失败按线性退避重试。
type TelegramSink struct {
	bot        telegramSender
	chatID     int64
	maxRetries int
	retryDelay time.Duration
}

func NewTelegramSink(botToken, chatID string, maxRetries int, retryDelay time.Duration) (*TelegramSink, error) {
	if strings.TrimSpace(botToken) == "" || strings.TrimSpace(chatID) == "" {
		return nil, fmt.Errorf("Telegram 配置不完整")
	}
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newTelegramSink(bot, id, maxRetries, retryDelay), nil
}

func newTelegramSink(bot telegramSender, chatID int64, maxRetries int, retryDelay time.Duration) *TelegramSink {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &TelegramSink{bot: bot, chatID: chatID, maxRetries: maxRetries, retryDelay: retryDelay}
}

func (t *TelegramSink) Name() string { return "telegram" }

func (t *TelegramSink) Send(ctx context.Context, msg Message) error {
	out := tgbotapi.NewMessage(t.chatID, msg.Text)
	out.ParseMode = tgbotapi.ModeMarkdown
	var lastErr error
	for i := 0; i < t.maxRetries; i++ {
		if _, err := t.bot.Send(out); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i == t.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.retryDelay * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", t.maxRetries, lastErr)
}
