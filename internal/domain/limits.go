package domain

import "time"

// limits.go — locked defaults, compiled in as constants. Nothing overrides
// them at runtime; the signed config manifest does not carry these values.

// Risk limits (percentage-of-wallet).
const (
	DailyStopLossPct    = 0.03
	MaxPerMarketPct     = 0.02
	MaxTotalExposurePct = 0.10
	MaxOpenPositions    = 5
)

// AI budget.
const (
	AICapUSDUser            = 2.00
	AICapPctPerDay          = 0.005
	AIWindowSec             = 600
	AIWindowCapPctOfDaily   = 0.20
	AIAnalysesPerDayHardCap = 100
	ReservationExpirySec    = 120
	ReaperGraceSec          = 5
	ForceSettleDegradedN    = 3
)

// Paper mode.
const (
	PaperFeeMultiplier = 2.0
	PaperMinFeeBps     = 10
	PaperTickDefault   = 0.01
	PaperSustainSec    = 3.0
)

// Freshness windows.
const (
	WSHeartbeatSec            = 10
	MaxSnapshotAgeDecisionSec = 6
	MaxSnapshotAgeExecSec     = 3
	MaxDecisionToExecDelaySec = 8
	CandidateMaxAgeSec        = 120
)

// Trigger persistence (spoof resistance).
const (
	TriggerPersistUpdates = 3
	TriggerPersistMinSec  = 6
)

// Execution guardrails.
const (
	ReconcileHeartbeatSec      = 60
	ReconcileFreshSec          = 120
	ResidualCancelAfterSec     = 30
	PendingUnknownPollSec      = 5
	PendingUnknownMaxSec       = 60
	PendingUnknownDriftPct     = 0.02
	AbsentConfirmedBarSec      = 300
	MarketableEVBonus          = 0.03
	MarketableMaxSpread        = 0.02
)

// Locks.
const (
	LockTTLSec              = 60
	LockRenewEverySec       = 10
	LockStealGraceSec       = 5
	MinLockTTLBeforeSubmitS = 10
)

// Arming.
const (
	ArmingWindowSec     = 300
	ArmingNonce1TTLSec  = 120
	ArmingFileMaxAgeSec = 900
	ArmingFileSkewSec   = 300
	ArmingProcSkewSec   = 5
	TOTPReplayBlockSec  = 60
)

// Market quality thresholds.
const (
	TimeToResolutionMin = time.Hour
	TimeToResolutionMax = 90 * 24 * time.Hour
	MinVolume24hUSD     = 500.0
	MinLiquidityUSD     = 1000.0
	MaxSpreadAbs        = 0.03
	MinDepthUSDNearTop  = 50.0
	BookLevelsRequired  = 3
)

// Binary consistency anomaly bounds: best_ask_yes + best_ask_no outside
// [AskSumLow, AskSumHigh] flags the snapshot.
const (
	AskSumLow  = 0.98
	AskSumHigh = 2.00
)

// Clock drift.
const ClockSkewMaxSec = 5

// Calibration and trust.
const (
	WAIMax               = 0.35
	NResolvedMin         = 50
	DeltaMaxDefault      = 0.10
	DeltaMaxHighDispute  = 0.05
	PEffOutlierThreshold = 0.20
	HighDisputeRisk      = 0.7
)

// Decision engine.
const EVMin = 0.01

// Risk manager.
const (
	TWAPWindowSec       = 300
	TWAPMinSamples      = 3
	TWAPMinSpanSec      = 60
	TWAPOutlierMinN     = 10
	TWAPMaxSpread       = 0.10
	LastTradeMaxAgeSec  = 600
	EntryFallbackSec    = 300
	WalletStaleSec      = 3600
	MinReconcileUSD     = 1.00
	Level1DailyDriftUSD = 3.00
)

// Watchlist and throughput caps.
const (
	WatchlistMax              = 200
	CandidatesPerMinMax       = 50
	PerMarketCandidatesPerMin = 10
)
