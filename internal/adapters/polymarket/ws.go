package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alejandrodnm/polyedge/internal/domain"
	"github.com/alejandrodnm/polyedge/internal/ports"
)

// WSHooks receives connection lifecycle and liveness callbacks. The
// coordinator implements this to track the WS epoch and message clocks.
type WSHooks interface {
	WSConnected()
	WSDisconnected()
	OnWSMessage(nowMs int64)
	OnMarketUpdate(marketID string, nowMs int64, bookChanged bool)
}

// WSClient subscribes to per-market book channels and emits frames. It
// reconnects forever with backoff; every disconnect bumps the epoch through
// the hooks so stale snapshots can never pass a health check.
type WSClient struct {
	url     string
	assets  map[string]string // yes token id -> market id
	noAsset map[string]string // no token id -> market id
	hooks   WSHooks
	frames  chan<- ports.BookFrame

	books map[string]*bookState
}

type bookState struct {
	marketID string
	bidYes, askYes, bidNo, askNo float64
	depthYes, depthNo            []domain.BookLevel
}

// NewWSClient creates the client. frames receives one BookFrame per book
// change for a subscribed market.
func NewWSClient(url string, markets []domain.Market, hooks WSHooks, frames chan<- ports.BookFrame) *WSClient {
	c := &WSClient{
		url:     url,
		assets:  make(map[string]string),
		noAsset: make(map[string]string),
		hooks:   hooks,
		frames:  frames,
		books:   make(map[string]*bookState),
	}
	for _, m := range markets {
		c.assets[m.YesToken().TokenID] = m.ConditionID
		c.noAsset[m.NoToken().TokenID] = m.ConditionID
		c.books[m.ConditionID] = &bookState{marketID: m.ConditionID}
	}
	return c
}

// Run connects and pumps messages until the context ends.
func (c *WSClient) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connectAndPump(ctx); err != nil {
			slog.Warn("ws connection lost", "err", err)
		}
		c.hooks.WSDisconnected()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *WSClient) connectAndPump(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("polymarket.ws: dial: %w", err)
	}
	defer conn.Close()

	assetIDs := make([]string, 0, len(c.assets)+len(c.noAsset))
	for id := range c.assets {
		assetIDs = append(assetIDs, id)
	}
	for id := range c.noAsset {
		assetIDs = append(assetIDs, id)
	}
	sub := map[string]any{"type": "market", "assets_ids": assetIDs}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("polymarket.ws: subscribe: %w", err)
	}

	c.hooks.WSConnected()
	slog.Info("ws connected", "assets", len(assetIDs))

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("polymarket.ws: read: %w", err)
		}
		nowMs := time.Now().UTC().UnixMilli()
		c.hooks.OnWSMessage(nowMs)
		c.handle(raw, nowMs)
	}
}

// wsBookMessage is the venue's book event.
type wsBookMessage struct {
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Bids      []wireBookLevel `json:"bids"`
	Asks      []wireBookLevel `json:"asks"`
}

func (c *WSClient) handle(raw []byte, nowMs int64) {
	var msgs []wsBookMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		var single wsBookMessage
		if err := json.Unmarshal(raw, &single); err != nil {
			return
		}
		msgs = []wsBookMessage{single}
	}

	for _, msg := range msgs {
		if msg.EventType != "book" && msg.EventType != "price_change" {
			continue
		}
		marketID, isYes := c.marketFor(msg.AssetID)
		if marketID == "" {
			continue
		}

		book := c.books[marketID]
		changed := c.applySide(book, msg, isYes)
		c.hooks.OnMarketUpdate(marketID, nowMs, changed)

		if changed {
			c.frames <- ports.BookFrame{
				MarketID:    marketID,
				ReceivedMs:  nowMs,
				BidYes:      book.bidYes,
				AskYes:      book.askYes,
				BidNo:       book.bidNo,
				AskNo:       book.askNo,
				DepthYes:    book.depthYes,
				DepthNo:     book.depthNo,
				BookChanged: true,
			}
		}
	}
}

func (c *WSClient) marketFor(assetID string) (string, bool) {
	if mid, ok := c.assets[assetID]; ok {
		return mid, true
	}
	if mid, ok := c.noAsset[assetID]; ok {
		return mid, false
	}
	return "", false
}

func (c *WSClient) applySide(book *bookState, msg wsBookMessage, isYes bool) bool {
	depth := toLevels(msg.Asks, domain.BookLevelsRequired)
	var bestBid, bestAsk float64
	if len(msg.Bids) > 0 {
		bestBid = levelPrice(msg.Bids[0])
	}
	if len(msg.Asks) > 0 {
		bestAsk = levelPrice(msg.Asks[0])
	}

	if isYes {
		changed := bestBid != book.bidYes || bestAsk != book.askYes
		book.bidYes, book.askYes, book.depthYes = bestBid, bestAsk, depth
		return changed
	}
	changed := bestBid != book.bidNo || bestAsk != book.askNo
	book.bidNo, book.askNo, book.depthNo = bestBid, bestAsk, depth
	return changed
}

func levelPrice(l wireBookLevel) float64 {
	p, _ := strconv.ParseFloat(l.Price, 64)
	return p
}
