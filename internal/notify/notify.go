// Package notify sends fire-and-forget trade, risk, and kill-switch alerts
// to a Telegram chat. It is the bot's only outbound notification channel;
// every caller treats delivery failures as non-fatal.
package notify

import (
	"log"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram sends alerts to a single chat via the Telegram Bot API.
// A nil *Telegram (or one with no chat ID configured) is safe to call
// Notify on; it simply drops the message.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// New builds a Telegram notifier from a bot token and chat ID. If token
// is empty or the bot fails to authorize, it returns nil so callers can
// wire a disabled notifier without special-casing construction.
func New(token, chatID string) *Telegram {
	if token == "" {
		log.Println("notify: TELEGRAM_BOT_TOKEN not set, notifications disabled")
		return nil
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Printf("notify: failed to init telegram bot: %v", err)
		return nil
	}

	var id int64
	if chatID != "" {
		id, err = strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			log.Printf("notify: invalid TELEGRAM_CHAT_ID %q: %v", chatID, err)
		}
	}

	return &Telegram{bot: bot, chatID: id}
}

// Notify sends msg asynchronously and logs (never returns) delivery errors.
func (t *Telegram) Notify(msg string) {
	if t == nil || t.bot == nil || t.chatID == 0 {
		return
	}

	go func() {
		cfg := tgbotapi.NewMessage(t.chatID, msg)
		cfg.ParseMode = "Markdown"
		if _, err := t.bot.Send(cfg); err != nil {
			log.Printf("notify: failed to send telegram message: %v", err)
		}
	}()
}
