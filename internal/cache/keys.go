package cache

import (
	"strconv"
	"strings"
	"time"
)

// Keys follow the "<domain>:<resource>:<params>" convention so whole resource
// families can be dropped by prefix after a mutation.

// TTL tiers. Callers pick one per read path; nothing below hardcodes them.
const (
	TTLRealtime = 10 * time.Second // near-real-time dashboard widgets
	TTLShort    = time.Minute
	TTLMedium   = 5 * time.Minute
	TTLLong     = time.Hour // slow-changing aggregates
)

// PrefixDashboardQuotes namespaces every quote dashboard aggregate.
const PrefixDashboardQuotes = "dashboard:quotes:"

// KeyQuote caches a single quote with its lines.
func KeyQuote(id string) string { return "quote:item:" + id }

// KeyQuoteEvents caches a quote's event log.
func KeyQuoteEvents(id string) string { return "quote:events:" + id }

// KeyDashboardStatusPage caches one page of the dashboard filtered by status.
func KeyDashboardStatusPage(status string, offset, limit int) string {
	return PrefixDashboardQuotes + strings.ToLower(status) + ":" + strconv.Itoa(offset) + ":" + strconv.Itoa(limit)
}

// KeyDashboardStatusCount caches a per-status widget, e.g.
// "dashboard:quotes:pending-count".
func KeyDashboardStatusCount(status string) string {
	return PrefixDashboardQuotes + strings.ToLower(status) + "-count"
}

// PrefixBuyerQuotes namespaces a buyer's cached quote pages.
func PrefixBuyerQuotes(buyerEmail string) string {
	return "quote:buyer:" + strings.ToLower(strings.TrimSpace(buyerEmail)) + ":"
}

// KeyBuyerQuotesPage caches one page of a buyer's account quote list.
func KeyBuyerQuotesPage(buyerEmail string, offset, limit int) string {
	return PrefixBuyerQuotes(buyerEmail) + strconv.Itoa(offset) + ":" + strconv.Itoa(limit)
}
