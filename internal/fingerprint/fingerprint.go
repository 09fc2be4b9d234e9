// Package fingerprint derives a deterministic, low-entropy identifier for
// the current execution environment and binds it to the active session.
// The fingerprint is anti-hijack friction, not identity: it is not
// cryptographically meaningful and is never trusted on its own.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"runtime"
	"strings"
)

// Sentinel is the fixed value returned when no environment signal can be
// derived. It compares equal only to another sentinel, so an unknown
// environment fails validation against any real fingerprint.
const Sentinel = "fp-unavailable"

// Provider derives the environment fingerprint. Implementations must be
// deterministic for a given environment and must return Sentinel rather
// than an error when derivation fails.
type Provider interface {
	Generate() string
}

// Func adapts a plain function to the Provider interface.
type Func func() string

func (f Func) Generate() string { return f() }

// machineIDPaths are tried in order for a stable per-machine identifier.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// Host derives the fingerprint from stable host signals: machine id,
// hostname, OS, architecture, and the invoking user. All signals are
// optional; a host exposing none degrades to Sentinel.
type Host struct{}

var _ Provider = Host{}

func (Host) Generate() string {
	var signals []string
	if id := readMachineID(); id != "" {
		signals = append(signals, "mid="+id)
	}
	if name, err := os.Hostname(); err == nil && name != "" {
		signals = append(signals, "host="+name)
	}
	signals = append(signals, "os="+runtime.GOOS, "arch="+runtime.GOARCH)
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		signals = append(signals, "home="+home)
	}

	// os/arch alone carry no per-device entropy; require at least one
	// device-specific signal or degrade to the sentinel.
	if len(signals) <= 2 {
		return Sentinel
	}

	sum := sha256.Sum256([]byte(strings.Join(signals, "|")))
	return hex.EncodeToString(sum[:16])
}

func readMachineID() string {
	for _, path := range machineIDPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	return ""
}

// Storer is the slice of the shared store the binder needs.
type Storer interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

const boundKey = "session:fingerprint"

// Binder stores the last-known fingerprint for the active session and
// validates freshly generated values against it.
type Binder struct {
	provider Provider
	store    Storer
}

// NewBinder creates a binder over the given provider and shared store.
func NewBinder(provider Provider, store Storer) *Binder {
	return &Binder{provider: provider, store: store}
}

// Bind records the current fingerprint as the session's bound value and
// returns it.
func (b *Binder) Bind(ctx context.Context) (string, error) {
	fp := b.provider.Generate()
	if err := b.store.Set(ctx, boundKey, fp); err != nil {
		return "", err
	}
	return fp, nil
}

// Validate recomputes the fingerprint and compares it to the bound value.
// A missing or unreadable bound value fails closed.
func (b *Binder) Validate(ctx context.Context) bool {
	stored, ok, err := b.store.Get(ctx, boundKey)
	if err != nil || !ok || stored == "" {
		return false
	}
	return b.provider.Generate() == stored
}

// Matches reports whether the freshly generated fingerprint equals fp.
// Empty values never match.
func (b *Binder) Matches(fp string) bool {
	return fp != "" && b.provider.Generate() == fp
}

// Clear removes the bound fingerprint. Idempotent.
func (b *Binder) Clear(ctx context.Context) {
	_ = b.store.Remove(ctx, boundKey)
}
