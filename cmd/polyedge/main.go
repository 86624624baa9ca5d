package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polyedge/config"
	"github.com/alejandrodnm/polyedge/internal/adapters/notify"
	"github.com/alejandrodnm/polyedge/internal/adapters/polymarket"
	"github.com/alejandrodnm/polyedge/internal/adapters/storage"
	"github.com/alejandrodnm/polyedge/internal/budget"
	"github.com/alejandrodnm/polyedge/internal/decision"
	"github.com/alejandrodnm/polyedge/internal/domain"
	"github.com/alejandrodnm/polyedge/internal/engine"
	"github.com/alejandrodnm/polyedge/internal/execution"
	"github.com/alejandrodnm/polyedge/internal/locks"
	"github.com/alejandrodnm/polyedge/internal/ports"
	"github.com/alejandrodnm/polyedge/internal/reconcile"
	"github.com/alejandrodnm/polyedge/internal/risk"
	"github.com/alejandrodnm/polyedge/internal/snapshot"
	"github.com/alejandrodnm/polyedge/internal/state"
	"github.com/alejandrodnm/polyedge/internal/wal"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	processStartMs := time.Now().UTC().UnixMilli()
	slog.Info("polyedge starting", "config", *configPath, "process_start_ms", processStartMs)

	store, err := storage.NewSQLiteStore(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	walWriter, err := wal.Open(cfg.Storage.WALPath)
	if err != nil {
		slog.Error("failed to open wal", "err", err, "path", cfg.Storage.WALPath)
		os.Exit(1)
	}
	defer walWriter.Close()

	venue := polymarket.NewClient(cfg.Venue.RESTBase, cfg.Venue.RateLimitRPS, cfg.RequestTimeout())
	totp := state.NewTOTPAuthenticator(cfg.TOTPSecret)
	machine := state.NewMachine(store, walWriter, store, []byte(cfg.StateSecret), totp)
	ceremony := state.NewCeremony(machine, store, totp, []byte(cfg.LocalStateSecret),
		cfg.Arming.FilePath, cfg.Arming.FileGroup, processStartMs)

	riskMgr := risk.NewManager(0, time.Now().UTC())
	coord := engine.NewCoordinator(machine, riskMgr)

	console := notify.NewConsole()
	rec := reconcile.NewEngine(venue, store, store, coord, riskMgr, console)
	budgetMgr := budget.NewManager(store, riskMgr, func() {
		machine.SetBlocker(domain.BlockerCostAccounting)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := machine.Transition(ctx, domain.StateObserveOnly, "cost accounting degraded", nil); err != nil {
			slog.Error("downgrade after budget degradation failed", "err", err)
		}
	})
	lockMgr := locks.NewManager(store, uuid.NewString())
	exec := execution.NewEngine(machine, lockMgr, rec, venue, store, walWriter, store, coord, console)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	startup, err := engine.RunStartup(ctx, engine.StartupDeps{
		ManifestPath:   cfg.Trading.ManifestPath,
		ManifestSecret: []byte(cfg.ManifestSecret),
		SecretFiles:    []string{".env"},
		WALPath:        cfg.Storage.WALPath,
		Machine:        machine,
		Ceremony:       ceremony,
		Store:          store,
		Venue:          venue,
		Reconcile:      rec,
		Risk:           riskMgr,
		Notifier:       console,
		Coord:          coord,
	})
	if err != nil {
		slog.Error("startup sequence failed", "err", err)
		os.Exit(1)
	}

	markets := buildWatchlist(cfg)
	workers := make([]*engine.Worker, 0, len(markets))
	worstCase := int64(0)
	if wc, err := startup.Manifest.WorstCaseCents(cfg.Trading.ModelKey); err == nil {
		worstCase = wc
	} else {
		slog.Warn("model not pinned in manifest, AI analysis disabled", "model", cfg.Trading.ModelKey)
	}
	for i, m := range markets {
		workers = append(workers, &engine.Worker{
			MarketID:       m.ConditionID,
			WorkerID:       "w" + strconv.Itoa(i),
			Machine:        machine,
			Coord:          coord,
			Locks:          lockMgr,
			Budget:         budgetMgr,
			Risk:           riskMgr,
			Exec:           exec,
			Store:          store,
			Venue:          venue,
			Analyzer:       failClosedAnalyzer{model: cfg.Trading.ModelKey},
			Market:         m,
			WorstCaseCents: worstCase,
		})
	}

	sup := &engine.Supervisor{
		Machine:   machine,
		Coord:     coord,
		Reconcile: rec,
		Budget:    budgetMgr,
		Risk:      riskMgr,
		Exec:      exec,
		Notifier:  console,
		Workers:   workers,
	}

	frames := make(chan ports.BookFrame, 256)
	ws := polymarket.NewWSClient(cfg.Venue.WSURL, markets, coord, frames)
	go ws.Run(ctx)
	go consumeFrames(ctx, frames, coord, store)

	if cfg.Telegram.Enabled {
		controller := &engine.Controller{
			Supervisor: sup, Machine: machine, Ceremony: ceremony, Store: store, Coord: coord,
		}
		tg := notify.NewTelegram(os.Getenv("POLYEDGE_TELEGRAM_TOKEN"),
			startup.Manifest.AllowedUserIDs, startup.Manifest.AllowedChatIDs, controller)
		go tg.Run(ctx)
	}

	sup.Run(ctx)
	slog.Info("polyedge stopped cleanly")
}

// consumeFrames turns WS book frames into persisted snapshots.
func consumeFrames(ctx context.Context, frames <-chan ports.BookFrame, coord *engine.Coordinator, store ports.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-frames:
			frame.Epoch = coord.Epoch()
			lastUpdate, bookChange := coord.MarketClocks(frame.MarketID)
			snap := snapshot.New(frame, coord.LastMessageMs(), lastUpdate, bookChange)
			if err := store.SaveSnapshot(ctx, snap); err != nil {
				slog.Error("snapshot persist failed", "market", frame.MarketID, "err", err)
			}
		}
	}
}

// failClosedAnalyzer is the default seam: without an evidence pipeline wired
// in, every candidate is refused. The core never trades on missing evidence.
type failClosedAnalyzer struct {
	model string
}

func (a failClosedAnalyzer) Analyze(context.Context, domain.Market, domain.Snapshot) (decision.Inputs, domain.Reason, error) {
	return decision.Inputs{}, domain.ReasonEvidenceRequired, nil
}

func (a failClosedAnalyzer) ModelKey() string { return a.model }

func buildWatchlist(cfg *config.Config) []domain.Market {
	markets := make([]domain.Market, 0, len(cfg.Watchlist))
	for _, w := range cfg.Watchlist {
		end, _ := time.Parse(time.RFC3339, w.EndDate)
		markets = append(markets, domain.Market{
			ConditionID: w.ConditionID,
			Question:    w.Question,
			Category:    w.Category,
			EndDate:     end,
			TickSize:    w.TickSize,
			Tokens: [2]domain.Token{
				{TokenID: w.YesTokenID, Outcome: "Yes"},
				{TokenID: w.NoTokenID, Outcome: "No"},
			},
			Active: true,
		})
	}
	if len(markets) > domain.WatchlistMax {
		markets = markets[:domain.WatchlistMax]
	}
	return markets
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
