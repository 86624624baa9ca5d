package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/polyedge/internal/ports"
)

// Controller is the command surface the control channel drives. All policy
// (TOTP, nonces, state legality) lives behind it; the channel only parses
// and routes.
type Controller interface {
	Status(ctx context.Context) (string, error)
	Halt(ctx context.Context, reason string) error
	Unhalt(ctx context.Context, totp string) error
	ResumePaper(ctx context.Context, totp string) error
	ArmLive(ctx context.Context) (string, error)
	ConfirmLiveStep1(ctx context.Context, nonce1, totp string) (string, error)
	ConfirmLiveStep2(ctx context.Context, nonce2, totp string) error
}

// Telegram is the allowlisted control channel and alert sink, speaking the
// Bot API directly over HTTP.
type Telegram struct {
	token        string
	allowedUsers map[int64]bool
	allowedChats map[int64]bool
	controller   Controller
	http         *http.Client
	poll         *http.Client // long-poll client, timeout above the 30 s getUpdates hold

	mu     sync.Mutex
	seen   map[string]time.Time
	offset int64
}

// NewTelegram creates the channel. users and chats are the manifest
// allowlists; anything else is ignored silently.
func NewTelegram(token string, users, chats []int64, controller Controller) *Telegram {
	t := &Telegram{
		token:        token,
		allowedUsers: make(map[int64]bool, len(users)),
		allowedChats: make(map[int64]bool, len(chats)),
		controller:   controller,
		http:         &http.Client{Timeout: 10 * time.Second},
		poll:         &http.Client{Timeout: 40 * time.Second},
		seen:         make(map[string]time.Time),
	}
	for _, u := range users {
		t.allowedUsers[u] = true
	}
	for _, c := range chats {
		t.allowedChats[c] = true
	}
	return t
}

// Alert broadcasts to every allowlisted chat, deduplicated by key.
func (t *Telegram) Alert(ctx context.Context, a ports.Alert) error {
	t.mu.Lock()
	now := time.Now().UTC()
	if last, ok := t.seen[a.Key]; ok && now.Sub(last) < alertDedupWindow {
		t.mu.Unlock()
		return nil
	}
	t.seen[a.Key] = now
	t.mu.Unlock()

	text := fmt.Sprintf("[%s] %s", strings.ToUpper(a.Level), a.Message)
	for chat := range t.allowedChats {
		if err := t.send(ctx, chat, text); err != nil {
			return fmt.Errorf("notify.Alert: %w", err)
		}
	}
	return nil
}

// Status sends the status text to every allowlisted chat.
func (t *Telegram) Status(ctx context.Context, text string) error {
	for chat := range t.allowedChats {
		if err := t.send(ctx, chat, text); err != nil {
			return fmt.Errorf("notify.Status: %w", err)
		}
	}
	return nil
}

// Run long-polls getUpdates and dispatches commands until the context ends.
func (t *Telegram) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := t.getUpdates(ctx)
		if err != nil {
			slog.Warn("telegram poll failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for _, u := range updates {
			t.offset = u.UpdateID + 1
			t.dispatch(ctx, u)
		}
	}
}

type tgUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

func (t *Telegram) dispatch(ctx context.Context, u tgUpdate) {
	if u.Message == nil {
		return
	}
	if !t.allowedUsers[u.Message.From.ID] || !t.allowedChats[u.Message.Chat.ID] {
		slog.Warn("telegram command from non-allowlisted sender",
			"user", u.Message.From.ID, "chat", u.Message.Chat.ID)
		return
	}

	fields := strings.Fields(u.Message.Text)
	if len(fields) == 0 {
		return
	}
	reply := func(text string) {
		if err := t.send(ctx, u.Message.Chat.ID, text); err != nil {
			slog.Warn("telegram reply failed", "err", err)
		}
	}

	switch fields[0] {
	case "/status":
		text, err := t.controller.Status(ctx)
		if err != nil {
			reply("status failed: " + err.Error())
			return
		}
		reply(text)

	case "/halt":
		if err := t.controller.Halt(ctx, "operator /halt"); err != nil {
			reply("halt failed: " + err.Error())
			return
		}
		reply("HALTED")

	case "/unhalt":
		if len(fields) != 2 {
			reply("usage: /unhalt <totp>")
			return
		}
		if err := t.controller.Unhalt(ctx, fields[1]); err != nil {
			reply("unhalt failed: " + err.Error())
			return
		}
		reply("OBSERVE_ONLY")

	case "/resume_paper":
		if len(fields) != 2 {
			reply("usage: /resume_paper <totp>")
			return
		}
		if err := t.controller.ResumePaper(ctx, fields[1]); err != nil {
			reply("resume failed: " + err.Error())
			return
		}
		reply("PAPER_TRADING")

	case "/arm_live":
		nonce1, err := t.controller.ArmLive(ctx)
		if err != nil {
			reply("arm failed: " + err.Error())
			return
		}
		reply("nonce1: " + nonce1)

	case "/confirm_live_step1":
		if len(fields) != 3 {
			reply("usage: /confirm_live_step1 <nonce1> <totp>")
			return
		}
		nonce2, err := t.controller.ConfirmLiveStep1(ctx, fields[1], fields[2])
		if err != nil {
			reply("step1 failed: " + err.Error())
			return
		}
		reply("LIVE_ARMED. nonce2: " + nonce2)

	case "/confirm_live_step2":
		if len(fields) != 3 {
			reply("usage: /confirm_live_step2 <nonce2> <totp>")
			return
		}
		if err := t.controller.ConfirmLiveStep2(ctx, fields[1], fields[2]); err != nil {
			reply("step2 failed: " + err.Error())
			return
		}
		reply("LIVE_TRADING")
	}
}

func (t *Telegram) send(ctx context.Context, chatID int64, text string) error {
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", url.PathEscape(t.token))
	body, err := json.Marshal(map[string]any{"chat_id": chatID, "text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram http %d", resp.StatusCode)
	}
	return nil
}

func (t *Telegram) getUpdates(ctx context.Context) ([]tgUpdate, error) {
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/getUpdates?timeout=30&offset=%d",
		url.PathEscape(t.token), t.offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.poll.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		OK     bool       `json:"ok"`
		Result []tgUpdate `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if !out.OK {
		return nil, fmt.Errorf("telegram getUpdates not ok")
	}
	return out.Result, nil
}
