package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/sentinel-agent/internal/httpkit"
)

// Telegram is a Transport backed by the Telegram Bot HTTP API,
// long-polling getUpdates the way Ollama's client long-waits on
// generation: a generous ResponseHeaderTimeout rather than a streaming
// connection.
type Telegram struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	debug      *DebugBroadcaster

	mu     sync.Mutex
	offset int64
}

// NewTelegram builds a Telegram-backed Transport for the bot
// identified by token.
func NewTelegram(token string, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}

	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 35 * time.Second // getUpdates long-polls up to 30s server-side

	return &Telegram{
		baseURL: "https://api.telegram.org/bot" + token,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(40*time.Second),
			httpkit.WithTransport(t),
			httpkit.WithLogger(logger),
		),
		logger: logger.With("provider", "telegram"),
	}
}

// WithDebugHook attaches a DebugBroadcaster that mirrors every inbound
// and outbound message to connected debug websocket clients. Intended
// for local operator tailing, not for production traffic inspection.
func (t *Telegram) WithDebugHook(b *DebugBroadcaster) *Telegram {
	t.debug = b
	return t
}

func (t *Telegram) Name() string { return "telegram" }

type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Date int64 `json:"date"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

type telegramResponse struct {
	OK     bool             `json:"ok"`
	Result []telegramUpdate `json:"result"`
}

// Poll long-polls getUpdates with a 30s timeout, acknowledging
// everything it receives by advancing the offset so Telegram does not
// redeliver it.
func (t *Telegram) Poll(ctx context.Context) ([]Inbound, error) {
	t.mu.Lock()
	offset := t.offset
	t.mu.Unlock()

	reqURL := fmt.Sprintf("%s/getUpdates?timeout=30&offset=%d", t.baseURL, offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build getUpdates request: %w", err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("getUpdates request: %w", err)
	}
	defer resp.Body.Close()

	var decoded telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode getUpdates response: %w", err)
	}
	if !decoded.OK {
		return nil, fmt.Errorf("telegram getUpdates returned ok=false")
	}

	var out []Inbound
	maxOffset := offset
	for _, u := range decoded.Result {
		if u.UpdateID >= maxOffset {
			maxOffset = u.UpdateID + 1
		}
		if u.Message == nil || u.Message.Text == "" {
			continue
		}
		in := Inbound{
			Sender:    strconv.FormatInt(u.Message.Chat.ID, 10),
			Content:   u.Message.Text,
			Timestamp: time.Unix(u.Message.Date, 0),
		}
		out = append(out, in)
		if t.debug != nil {
			t.debug.Broadcast(DebugEvent{Direction: "inbound", Sender: in.Sender, Content: in.Content, Timestamp: in.Timestamp})
		}
	}

	t.mu.Lock()
	t.offset = maxOffset
	t.mu.Unlock()

	return out, nil
}

// Send delivers text to the chat identified by recipient (a chat ID).
func (t *Telegram) Send(ctx context.Context, recipient, text string) error {
	form := url.Values{"chat_id": {recipient}, "text": {text}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/sendMessage", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sendMessage request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram sendMessage returned status %d", resp.StatusCode)
	}
	if t.debug != nil {
		t.debug.Broadcast(DebugEvent{Direction: "outbound", Sender: recipient, Content: text, Timestamp: time.Now()})
	}
	return nil
}

func (t *Telegram) Close() error { return nil }
