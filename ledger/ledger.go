// ledger/ledger.go
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"auto_dhan_go/logs"
	"auto_dhan_go/signal"
)

// Trade is one open position tracked by the bot, keyed by security ID.
type Trade struct {
	SecurityID string         `json:"security_id"`
	Symbol     string         `json:"symbol"`
	OrderID    string         `json:"order_id"`
	EntryPrice float64        `json:"entry_price"`
	IsCall     bool           `json:"is_call"`
	IsPut      bool           `json:"is_put"`
	FuturesSID string         `json:"fut_sid,omitempty"`
	Status     string         `json:"status"`
	IsManual   bool           `json:"is_manual,omitempty"`
	EntryTime  string         `json:"entry_time"`
	Signal     *signal.Signal `json:"signal_details,omitempty"`
}

// StatusOpen is the only live trade status; exits remove the record.
const StatusOpen = "OPEN"

// Ledger is a durable, crash-recoverable map of open trades. Every
// mutating operation re-reads the backing file under the lock before
// mutating, so external inspection or edits between operations are
// tolerated, and writes replace the file atomically.
type Ledger struct {
	mu       sync.Mutex
	filePath string
	trades   map[string]*Trade
}

// NewLedger loads (or creates) the ledger at filePath. A corrupt or
// unreadable file is treated as an empty ledger, never a fatal error.
func NewLedger(filePath string) (*Ledger, error) {
	l := &Ledger{filePath: filePath, trades: make(map[string]*Trade)}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		if err := l.save(); err != nil {
			return nil, fmt.Errorf("failed to create initial ledger file: %w", err)
		}
		return l, nil
	}

	l.load()
	return l, nil
}

// load refreshes the in-memory map from disk. Corruption fails closed
// to an empty map. Caller must hold the lock (or be the constructor).
func (l *Ledger) load() {
	data, err := os.ReadFile(l.filePath)
	if err != nil || len(data) == 0 {
		l.trades = make(map[string]*Trade)
		return
	}

	trades := make(map[string]*Trade)
	if err := json.Unmarshal(data, &trades); err != nil {
		logs.Errorf("[Ledger] Corrupt ledger file %s, starting empty: %v", l.filePath, err)
		l.trades = make(map[string]*Trade)
		return
	}
	l.trades = trades
}

// save writes the map to a temporary file and atomically replaces the
// canonical one. Caller must hold the lock (or be the constructor).
func (l *Ledger) save() error {
	data, err := json.MarshalIndent(l.trades, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}

	tmpPath := l.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temporary ledger file: %w", err)
	}
	return os.Rename(tmpPath, l.filePath)
}

// Add registers a new open trade.
func (l *Ledger) Add(t *Trade) error {
	if t.Status == "" {
		t.Status = StatusOpen
	}
	if t.EntryTime == "" {
		t.EntryTime = time.Now().Format("2006-01-02 15:04:05")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.load()
	l.trades[t.SecurityID] = t
	if err := l.save(); err != nil {
		return err
	}
	logs.Infof("[Ledger] Trade logged: %s (ID: %s)", t.Symbol, t.SecurityID)
	return nil
}

// Get returns a copy of the trade for a security ID.
func (l *Ledger) Get(securityID string) (*Trade, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.load()
	t, ok := l.trades[securityID]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// Remove deletes a trade after exit. Removing an absent ID is a no-op.
func (l *Ledger) Remove(securityID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.load()
	if _, ok := l.trades[securityID]; !ok {
		return nil
	}
	delete(l.trades, securityID)
	if err := l.save(); err != nil {
		return err
	}
	logs.Infof("[Ledger] Trade removed: %s", securityID)
	return nil
}

// ListAll returns copies of every open trade.
func (l *Ledger) ListAll() []Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.load()
	out := make([]Trade, 0, len(l.trades))
	for _, t := range l.trades {
		out = append(out, *t)
	}
	return out
}

// TrackedSecurityIDs returns every security ID the bot should keep feed
// subscriptions for: the traded options plus their futures proxies.
func (l *Ledger) TrackedSecurityIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.load()

	seen := make(map[string]bool)
	var sids []string
	for _, t := range l.trades {
		if t.SecurityID != "" && !seen[t.SecurityID] {
			seen[t.SecurityID] = true
			sids = append(sids, t.SecurityID)
		}
		if t.FuturesSID != "" && !seen[t.FuturesSID] {
			seen[t.FuturesSID] = true
			sids = append(sids, t.FuturesSID)
		}
	}
	return sids
}

// Reconcile removes every trade whose security ID is absent from the
// live set and returns the removed trades for resource cleanup.
func (l *Ledger) Reconcile(liveSIDs map[string]bool) []Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.load()

	var removed []Trade
	for sid, t := range l.trades {
		if !liveSIDs[sid] {
			removed = append(removed, *t)
			delete(l.trades, sid)
		}
	}
	if len(removed) > 0 {
		if err := l.save(); err != nil {
			logs.Errorf("[Ledger] Failed to persist reconciliation: %v", err)
		}
	}
	return removed
}
