// Package notify delivers operator alerts and status output: a console
// notifier for local runs and the Telegram control channel for production.
package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/polyedge/internal/domain"
	"github.com/alejandrodnm/polyedge/internal/ports"
)

// Console implements ports.Notifier on stdout, deduplicating alerts by key.
type Console struct {
	out io.Writer

	mu   sync.Mutex
	seen map[string]time.Time
}

// alertDedupWindow suppresses repeats of the same alert key.
const alertDedupWindow = 5 * time.Minute

// NewConsole creates a console notifier.
func NewConsole() *Console {
	return &Console{out: os.Stdout, seen: make(map[string]time.Time)}
}

// Alert prints an alert once per dedup window.
func (c *Console) Alert(_ context.Context, a ports.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	if last, ok := c.seen[a.Key]; ok && now.Sub(last) < alertDedupWindow {
		return nil
	}
	c.seen[a.Key] = now
	_, err := fmt.Fprintf(c.out, "[%s] %s %s\n", a.Level, now.Format(time.RFC3339), a.Message)
	return err
}

// Status prints the status text verbatim.
func (c *Console) Status(_ context.Context, text string) error {
	_, err := fmt.Fprintln(c.out, text)
	return err
}

// StatusSummary is the data behind a /status render.
type StatusSummary struct {
	State            domain.TradingState
	Blockers         []domain.Blocker
	WalletUSD        float64
	OpenPositions    int
	ExposureUSD      float64
	DailyPnL         float64
	PendingUnknown   int
	ActiveMismatches int
	BudgetSpentUSD   float64
	BudgetCapUSD     float64
	AnalysesToday    int
}

// RenderStatus formats the summary as an aligned table.
func RenderStatus(w io.Writer, s StatusSummary) {
	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")
	table.Append("State", string(s.State))
	table.Append("Blockers", fmt.Sprintf("%v", s.Blockers))
	table.Append("Wallet", fmt.Sprintf("%.2f USD", s.WalletUSD))
	table.Append("Positions", fmt.Sprintf("%d (%.2f USD)", s.OpenPositions, s.ExposureUSD))
	table.Append("Daily PnL", fmt.Sprintf("%.2f USD", s.DailyPnL))
	table.Append("Pending unknown", fmt.Sprintf("%d", s.PendingUnknown))
	table.Append("Active mismatches", fmt.Sprintf("%d", s.ActiveMismatches))
	table.Append("AI budget", fmt.Sprintf("%.2f / %.2f USD (%d analyses)", s.BudgetSpentUSD, s.BudgetCapUSD, s.AnalysesToday))
	table.Render()
}
