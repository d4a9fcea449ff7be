package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestBot spins up a fake Telegram Bot API server and returns a bot
// wired against it, plus a slice that records every sendMessage text.
func newTestBot(t *testing.T) (*tgbotapi.BotAPI, *sentMessages) {
	t.Helper()

	sent := &sentMessages{}
	mux := http.NewServeMux()
	mux.HandleFunc("/bottest-token/getMe", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, tgbotapi.User{ID: 1, UserName: "test_bot"})
	})
	mux.HandleFunc("/bottest-token/sendMessage", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		sent.add(r.FormValue("text"))
		writeResult(w, tgbotapi.Message{MessageID: 1})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint("test-token", server.URL+"/bot%s/%s")
	require.NoError(t, err)
	return bot, sent
}

func writeResult(w http.ResponseWriter, v any) {
	data, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true,"result":` + string(data) + `}`))
}

type sentMessages struct {
	mu   sync.Mutex
	msgs []string
}

func (s *sentMessages) add(m string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
}

func (s *sentMessages) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func TestNewNoToken(t *testing.T) {
	assert.Nil(t, New("", ""))
}

func TestNotifyNilReceiverIsSafe(t *testing.T) {
	var tg *Telegram
	tg.Notify("should not panic")
}

func TestNotifyNoChatIDIsNoop(t *testing.T) {
	bot, sent := newTestBot(t)
	tg := &Telegram{bot: bot}

	tg.Notify("hello")
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sent.snapshot())
}

func TestNotifySendsMessage(t *testing.T) {
	bot, sent := newTestBot(t)
	tg := &Telegram{bot: bot, chatID: 42}

	tg.Notify("kill switch tripped")

	require.Eventually(t, func() bool {
		return len(sent.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, strings.Contains(sent.snapshot()[0], "kill switch tripped"))
}
