package ports

import "context"

// Alert is one operator notification. Key deduplicates repeats.
type Alert struct {
	Key     string
	Level   string // "info" | "warn" | "critical"
	Message string
}

// Notifier delivers operator alerts and status output. Implementations must
// dedup on Alert.Key.
type Notifier interface {
	Alert(ctx context.Context, a Alert) error
	Status(ctx context.Context, text string) error
}

// TOTPValidator checks operator one-time codes for unhalt and arming.
type TOTPValidator interface {
	// Validate returns true for a currently valid, unreplayed code.
	Validate(code string) bool
}
