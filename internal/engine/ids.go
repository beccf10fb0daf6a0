package engine

import (
	"fmt"
	"strings"
)

// orderPurpose distinguishes the entry and exit legs of a position epoch.
type orderPurpose string

const (
	purposeOpen  orderPurpose = "open"
	purposeClose orderPurpose = "close"
)

// ClientOrderID derives the exchange client order ID for a position epoch and
// leg. The ID is a pure function of its inputs, so a crashed-and-restarted
// process regenerates the exact same ID and can query the exchange for the
// fate of an in-flight order instead of submitting a duplicate. The exchange
// additionally rejects a second order carrying the same ID.
//
// Binance caps client order IDs at 36 characters; the format used here stays
// well under that for any realistic epoch.
func ClientOrderID(symbol string, epoch int64, purpose orderPurpose) string {
	return fmt.Sprintf("pb-%s-%d-%s", strings.ToLower(symbol), epoch, purpose)
}
