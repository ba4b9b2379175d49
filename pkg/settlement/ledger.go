package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryLedger simulates the settlement chain for development and
// tests: every LogUsage call gets a fresh pseudo transaction hash and a
// monotonically increasing block number.
type MemoryLedger struct {
	mu    sync.Mutex
	block int64
}

// NewMemoryLedger creates an in-process ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

// LogUsage records a usage event and returns its settlement reference.
func (l *MemoryLedger) LogUsage(ctx context.Context, buyerID, listingID string, calls int64) (string, int64, error) {
	if buyerID == "" || listingID == "" {
		return "", 0, fmt.Errorf("buyer and listing are required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.block++
	return "0x" + uuid.New().String(), l.block, nil
}
