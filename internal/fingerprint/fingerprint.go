// Package fingerprint derives a short, stable, non-cryptographic identifier for a
// kiosk browser from slow-changing client signals.
package fingerprint

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"kioskqueue/pkg/interfaces"
)

// StorageKey is where the computed fingerprint is cached in the local store
const StorageKey = "device_fingerprint"

const maxLength = 12

// Signals are the low-entropy inputs a kiosk browser reports about itself
type Signals struct {
	UserAgent           string `json:"user_agent"`
	Language            string `json:"language"`
	ScreenWidth         int    `json:"screen_width"`
	ScreenHeight        int    `json:"screen_height"`
	ColorDepth          int    `json:"color_depth"`
	TimezoneOffset      int    `json:"timezone_offset"`
	HardwareConcurrency int    `json:"hardware_concurrency"`
	Platform            string `json:"platform"`
}

// Compute hashes the signals into a base36 string of at most 12 characters.
// It is a pure function of its input.
func Compute(s Signals) string {
	parts := []string{
		s.UserAgent,
		s.Language,
		strconv.Itoa(s.ScreenWidth) + "x" + strconv.Itoa(s.ScreenHeight),
		strconv.Itoa(s.ColorDepth),
		strconv.Itoa(s.TimezoneOffset),
		strconv.Itoa(s.HardwareConcurrency),
		s.Platform,
	}

	sum := strconv.FormatUint(xxhash.Sum64String(strings.Join(parts, "|")), 36)
	if len(sum) > maxLength {
		sum = sum[:maxLength]
	}
	return sum
}

// Generator caches the first computed fingerprint so reloads and sibling tabs of
// the same device report the same value.
type Generator struct {
	store interfaces.LocalStore
}

func NewGenerator(store interfaces.LocalStore) *Generator {
	return &Generator{store: store}
}

// Fingerprint returns the cached fingerprint, computing and storing it on first use.
// A failed cache write still returns the computed value.
func (g *Generator) Fingerprint(s Signals) (string, error) {
	if cached, ok := g.store.Get(StorageKey); ok && cached != "" {
		return cached, nil
	}
	fp := Compute(s)
	if err := g.store.Set(StorageKey, fp); err != nil {
		return fp, err
	}
	return fp, nil
}

// Reset drops the cached fingerprint so the next call recomputes it
func (g *Generator) Reset() error {
	return g.store.Delete(StorageKey)
}
