// Package intent defines the canonical trade intent and its identifier scheme.
//
// An Intent is the minimal immutable description of a trade the strategy layer
// wants executed. Its ID is a pure function of the canonical fields — two
// processes deriving the ID for the same payload always agree, which is what
// makes deduplication and deterministic replay possible. Client order IDs
// extend the intent ID with slice and retry counters and parse back losslessly.
package intent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"futures-exec/pkg/types"
)

// Intent is an immutable trade instruction. Construct with New so the ID is
// derived exactly once from validated fields.
type Intent struct {
	ID           string // derived; see DeriveID
	StrategyID   string
	DecisionHash string // opaque hash of the strategy decision that produced this
	Instrument   string
	Side         types.Side
	Offset       types.Offset
	TargetQty    int64
	Algo         types.Algo
	Urgency      types.Urgency
	LimitPrice   decimal.Decimal // zero = no limit
	HasLimit     bool
	SignalTs     int64 // milliseconds since epoch
	ExpiryTs     int64 // milliseconds since epoch; 0 = never expires
}

// New validates the fields and derives the intent ID.
func New(strategyID, decisionHash, instrument string, side types.Side, offset types.Offset,
	targetQty int64, algo types.Algo, urgency types.Urgency, signalTs int64) (*Intent, error) {

	if strategyID == "" {
		return nil, fmt.Errorf("intent: strategy id is required")
	}
	if instrument == "" {
		return nil, fmt.Errorf("intent: instrument is required")
	}
	if targetQty <= 0 {
		return nil, fmt.Errorf("intent: target qty must be positive, got %d", targetQty)
	}
	switch side {
	case types.BUY, types.SELL:
	default:
		return nil, fmt.Errorf("intent: unknown side %q", side)
	}
	switch offset {
	case types.OPEN, types.CLOSE, types.CLOSETODAY:
	default:
		return nil, fmt.Errorf("intent: unknown offset %q", offset)
	}

	it := &Intent{
		StrategyID:   strategyID,
		DecisionHash: decisionHash,
		Instrument:   instrument,
		Side:         side,
		Offset:       offset,
		TargetQty:    targetQty,
		Algo:         algo,
		Urgency:      urgency,
		SignalTs:     signalTs,
	}
	it.ID = DeriveID(it)
	return it, nil
}

// WithLimitPrice returns a copy carrying a limit price. The price is not part
// of the identity hash, so re-pricing the same decision keeps the same ID.
func (it *Intent) WithLimitPrice(p decimal.Decimal) *Intent {
	c := *it
	c.LimitPrice = p
	c.HasLimit = true
	return &c
}

// WithExpiry returns a copy carrying an expiry timestamp (ms since epoch).
func (it *Intent) WithExpiry(ts int64) *Intent {
	c := *it
	c.ExpiryTs = ts
	return &c
}

// Expired reports whether the intent's expiry has passed at now.
func (it *Intent) Expired(now time.Time) bool {
	return it.ExpiryTs > 0 && now.UnixMilli() > it.ExpiryTs
}

// DeriveID hashes the canonical identity fields in fixed order. The output is
// the first 128 bits of SHA-256, hex-encoded (32 chars, no separators), so
// client order IDs built from it split unambiguously on '-'.
func DeriveID(it *Intent) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d|%s|%d",
		it.StrategyID, it.DecisionHash, it.Instrument,
		it.Side, it.Offset, it.TargetQty, it.Algo, it.SignalTs)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// Seed derives the deterministic RNG seed for the behavioral executor:
// the first 8 bytes of SHA-256 over the intent ID, big-endian.
func Seed(intentID string) int64 {
	sum := sha256.Sum256([]byte(intentID))
	var seed int64
	for _, b := range sum[:8] {
		seed = seed<<8 | int64(b)
	}
	return seed
}

// ErrParse reports a malformed client order ID.
var ErrParse = fmt.Errorf("intent: malformed client order id")

// ClientOrderID builds the broker idempotency key for slice i, retry r:
// "<intentID>-<i>-<r>".
func ClientOrderID(intentID string, slice, retry int) string {
	return intentID + "-" + strconv.Itoa(slice) + "-" + strconv.Itoa(retry)
}

// ParseClientOrderID splits a client order ID back into its components.
func ParseClientOrderID(id string) (intentID string, slice, retry int, err error) {
	parts := strings.Split(id, "-")
	if len(parts) != 3 || parts[0] == "" {
		return "", 0, 0, fmt.Errorf("%w: %q", ErrParse, id)
	}
	slice, err = strconv.Atoi(parts[1])
	if err != nil || slice < 0 {
		return "", 0, 0, fmt.Errorf("%w: bad slice index in %q", ErrParse, id)
	}
	retry, err = strconv.Atoi(parts[2])
	if err != nil || retry < 0 {
		return "", 0, 0, fmt.Errorf("%w: bad retry count in %q", ErrParse, id)
	}
	return parts[0], slice, retry, nil
}
