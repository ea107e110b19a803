package devicesession

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"kioskqueue/internal/clock"
	"kioskqueue/pkg/interfaces"
)

// TabsKey holds the tab registry: tab id to last ping in unix milliseconds
const TabsKey = "kiosk_tabs"

const (
	TabPingInterval = 5 * time.Second
	TabStaleAfter   = 10 * time.Second
)

// TabMonitor detects another tab of the same browser running the kiosk. The
// result is advisory and has no bearing on session validity. Registry writes go
// through LocalStore.Update so tabs sharing a store never drop each other's stamps.
type TabMonitor struct {
	store interfaces.LocalStore
	clock clock.Clock
	id    string
}

// NewTabMonitor registers nothing until the first Ping
func NewTabMonitor(store interfaces.LocalStore, clk clock.Clock) *TabMonitor {
	if clk == nil {
		clk = clock.Real()
	}
	return &TabMonitor{
		store: store,
		clock: clk,
		id:    uuid.New().String(),
	}
}

// ID returns this tab's id
func (t *TabMonitor) ID() string {
	return t.id
}

func decodeTabs(raw string) map[string]int64 {
	tabs := make(map[string]int64)
	if raw == "" {
		return tabs
	}
	// A corrupt registry is treated as empty and overwritten on the next ping
	_ = json.Unmarshal([]byte(raw), &tabs)
	return tabs
}

func encodeTabs(tabs map[string]int64) (string, bool) {
	if len(tabs) == 0 {
		return "", false
	}
	data, err := json.Marshal(tabs)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Ping stamps this tab and drops entries that have gone stale
func (t *TabMonitor) Ping() error {
	now := t.clock.Now()
	return t.store.Update(TabsKey, func(raw string, _ bool) (string, bool) {
		tabs := decodeTabs(raw)
		for id, ts := range tabs {
			if now.Sub(time.UnixMilli(ts)) >= TabStaleAfter {
				delete(tabs, id)
			}
		}
		tabs[t.id] = now.UnixMilli()
		return encodeTabs(tabs)
	})
}

// CheckConflict reports whether another tab pinged within TabStaleAfter
func (t *TabMonitor) CheckConflict() bool {
	raw, _ := t.store.Get(TabsKey)
	now := t.clock.Now()
	for id, ts := range decodeTabs(raw) {
		if id != t.id && now.Sub(time.UnixMilli(ts)) < TabStaleAfter {
			return true
		}
	}
	return false
}

// Clear removes this tab's registration
func (t *TabMonitor) Clear() error {
	return t.store.Update(TabsKey, func(raw string, ok bool) (string, bool) {
		if !ok {
			return "", false
		}
		tabs := decodeTabs(raw)
		if _, mine := tabs[t.id]; !mine {
			return raw, true
		}
		delete(tabs, t.id)
		return encodeTabs(tabs)
	})
}
