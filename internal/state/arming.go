package state

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/alejandrodnm/polyedge/internal/domain"
	"github.com/alejandrodnm/polyedge/internal/ports"
)

// ErrArming covers every arming-ceremony failure; the wrapped message names
// the failing check.
var ErrArming = errors.New("state: arming failed")

// ArmingFile is the one-line JSON the operator writes at the fixed path.
type ArmingFile struct {
	Nonce2             string `json:"nonce2"`
	TSUTC              int64  `json:"ts_utc"`
	ProcessStartUnixMs int64  `json:"process_start_unix_ms"`
	Sig                string `json:"sig"`
}

// Ceremony runs the two-step LIVE arming flow. LIVE_TRADING is reachable
// only through it, and only within the lifetime of the current process.
type Ceremony struct {
	machine        *Machine
	store          ports.StateStore
	totp           ports.TOTPValidator
	localSecret    []byte
	filePath       string
	fileGroup      string
	processStartMs int64
}

// NewCeremony wires the arming ceremony.
func NewCeremony(machine *Machine, store ports.StateStore, totp ports.TOTPValidator, localSecret []byte, filePath, fileGroup string, processStartMs int64) *Ceremony {
	return &Ceremony{
		machine:        machine,
		store:          store,
		totp:           totp,
		localSecret:    localSecret,
		filePath:       filePath,
		fileGroup:      fileGroup,
		processStartMs: processStartMs,
	}
}

// ArmLive mints nonce1 (single use, 120 s TTL) for /arm_live.
func (c *Ceremony) ArmLive(ctx context.Context) (string, error) {
	nonce := newNonce()
	expires := time.Now().UTC().Add(domain.ArmingNonce1TTLSec * time.Second)
	if err := c.store.SaveArmingNonce(ctx, nonce, 1, expires); err != nil {
		return "", fmt.Errorf("state.ArmLive: %w", err)
	}
	return nonce, nil
}

// ConfirmStep1 validates nonce1 and the TOTP, consumes the nonce, persists
// LIVE_ARMED with the arming window, and mints nonce2.
func (c *Ceremony) ConfirmStep1(ctx context.Context, nonce1, totpCode string) (string, error) {
	now := time.Now().UTC()

	ok, err := c.store.ConsumeArmingNonce(ctx, nonce1, 1, now)
	if err != nil {
		return "", fmt.Errorf("state.ConfirmStep1: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: nonce1 invalid or expired", ErrArming)
	}
	if !c.totp.Validate(totpCode) {
		return "", fmt.Errorf("%w: totp rejected", ErrArming)
	}

	armedUntil := now.Add(domain.ArmingWindowSec * time.Second)
	if _, err := c.machine.Transition(ctx, domain.StateLiveArmed, "arming step 1", func(b *domain.BotState) {
		b.ArmedUntil = &armedUntil
	}); err != nil {
		return "", fmt.Errorf("state.ConfirmStep1: %w", err)
	}

	nonce2 := newNonce()
	if err := c.store.SaveArmingNonce(ctx, nonce2, 2, armedUntil); err != nil {
		return "", fmt.Errorf("state.ConfirmStep1: nonce2: %w", err)
	}
	return nonce2, nil
}

// ConfirmStep2 validates the full second step — state window, nonce2, TOTP,
// and the local arming file — then transitions to LIVE_TRADING and deletes
// the file. A failed delete halts: a stale arming file must never survive.
func (c *Ceremony) ConfirmStep2(ctx context.Context, nonce2, totpCode string) error {
	now := time.Now().UTC()

	bs, err := c.machine.Read(ctx)
	if err != nil {
		return fmt.Errorf("state.ConfirmStep2: %w", err)
	}
	if bs.State != domain.StateLiveArmed {
		return fmt.Errorf("%w: state %s is not LIVE_ARMED", ErrArming, bs.State)
	}
	if bs.ArmedUntil == nil || now.After(*bs.ArmedUntil) {
		return fmt.Errorf("%w: arming window expired", ErrArming)
	}

	ok, err := c.store.ConsumeArmingNonce(ctx, nonce2, 2, now)
	if err != nil {
		return fmt.Errorf("state.ConfirmStep2: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: nonce2 invalid or already used", ErrArming)
	}
	if !c.totp.Validate(totpCode) {
		return fmt.Errorf("%w: totp rejected", ErrArming)
	}

	af, err := c.readArmingFile(now)
	if err != nil {
		return err
	}
	if af.Nonce2 != nonce2 {
		return fmt.Errorf("%w: arming file nonce mismatch", ErrArming)
	}

	if _, err := c.machine.Transition(ctx, domain.StateLiveTrading, "arming step 2", nil); err != nil {
		return fmt.Errorf("state.ConfirmStep2: %w", err)
	}

	if err := os.Remove(c.filePath); err != nil {
		if _, herr := c.machine.Halt(ctx, "arming file delete failed"); herr != nil {
			return fmt.Errorf("state.ConfirmStep2: halt after delete failure: %w", herr)
		}
		return fmt.Errorf("state.ConfirmStep2: delete arming file: %w", err)
	}
	return nil
}

// readArmingFile validates ownership, mode, signature, and the time bounds.
func (c *Ceremony) readArmingFile(now time.Time) (*ArmingFile, error) {
	info, err := os.Stat(c.filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: arming file missing: %v", ErrArming, err)
	}
	if info.Mode().Perm() != 0o640 {
		return nil, fmt.Errorf("%w: arming file mode %o, want 0640", ErrArming, info.Mode().Perm())
	}
	if err := c.checkOwnership(info); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(c.filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: arming file unreadable: %v", ErrArming, err)
	}
	var af ArmingFile
	if err := json.Unmarshal(raw, &af); err != nil {
		return nil, fmt.Errorf("%w: arming file parse: %v", ErrArming, err)
	}

	expected := ArmingFileSig(af.Nonce2, af.TSUTC, af.ProcessStartUnixMs, c.localSecret)
	if !hmac.Equal([]byte(expected), []byte(af.Sig)) {
		return nil, fmt.Errorf("%w: arming file signature mismatch", ErrArming)
	}

	age := now.Unix() - af.TSUTC
	if age > domain.ArmingFileMaxAgeSec {
		return nil, fmt.Errorf("%w: arming file too old: %ds", ErrArming, age)
	}
	if abs64(age) > domain.ArmingFileSkewSec {
		return nil, fmt.Errorf("%w: arming file timestamp skew %ds", ErrArming, age)
	}
	if abs64(af.ProcessStartUnixMs-c.processStartMs) > domain.ArmingProcSkewSec*1000 {
		return nil, fmt.Errorf("%w: arming file bound to a different process", ErrArming)
	}
	return &af, nil
}

func (c *Ceremony) checkOwnership(info os.FileInfo) error {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("%w: arming file ownership unavailable", ErrArming)
	}
	if st.Uid != 0 {
		return fmt.Errorf("%w: arming file not owned by root", ErrArming)
	}
	grp, err := user.LookupGroup(c.fileGroup)
	if err != nil {
		return fmt.Errorf("%w: group %s: %v", ErrArming, c.fileGroup, err)
	}
	gid, err := strconv.ParseUint(grp.Gid, 10, 32)
	if err != nil {
		return fmt.Errorf("%w: group gid %q: %v", ErrArming, grp.Gid, err)
	}
	if uint64(st.Gid) != gid {
		return fmt.Errorf("%w: arming file group is not %s", ErrArming, c.fileGroup)
	}
	return nil
}

// RemoveFile deletes a leftover arming file, tolerating absence. Runs at
// startup; any other failure is fatal to the startup sequence.
func (c *Ceremony) RemoveFile() error {
	if err := os.Remove(c.filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("state.RemoveFile: %w", err)
	}
	return nil
}

// ArmingFileSig computes HMAC_SHA256(nonce2 | ts_utc | process_start_unix_ms)
// with the local state secret, hex encoded.
func ArmingFileSig(nonce2 string, tsUTC, processStartMs int64, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s|%d|%d", nonce2, tsUTC, processStartMs)
	return hex.EncodeToString(mac.Sum(nil))
}

func newNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
