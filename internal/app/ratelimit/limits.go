// Package ratelimit tracks per-account exchange rate-limit usage reported on REST responses.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Unit is the interval unit letter used in exchange rate-limit headers.
type Unit byte

const (
	UnitSecond Unit = 'S'
	UnitMinute Unit = 'M'
	UnitHour   Unit = 'H'
	UnitDay    Unit = 'D'
)

// Duration converts n units into a time.Duration.
func (u Unit) Duration(n int) time.Duration {
	if n <= 0 {
		n = 1
	}
	switch u {
	case UnitSecond:
		return time.Duration(n) * time.Second
	case UnitMinute:
		return time.Duration(n) * time.Minute
	case UnitHour:
		return time.Duration(n) * time.Hour
	case UnitDay:
		return time.Duration(n) * 24 * time.Hour
	default:
		return 0
	}
}

// Limit types reported by the exchange.
const (
	TypeRequestWeight = "REQUEST_WEIGHT"
	TypeOrders        = "ORDERS"
)

// Limit is a configured exchange quota.
type Limit struct {
	Type        string
	IntervalNum int
	Unit        Unit
	Limit       int
}

// Key identifies the limit (REQUEST_WEIGHT_1M, ORDERS_10S, ...).
func (l Limit) Key() string {
	return key(l.Type, l.IntervalNum, l.Unit)
}

// Entry is one usage observation for a limit.
type Entry struct {
	Type        string
	IntervalNum int
	Unit        Unit
	Count       int
	// Limit overrides the configured quota when non-zero.
	Limit int
}

// Key identifies the limit the entry reports on.
func (e Entry) Key() string {
	return key(e.Type, e.IntervalNum, e.Unit)
}

func key(limitType string, n int, unit Unit) string {
	return fmt.Sprintf("%s_%d%c", strings.ToUpper(limitType), n, unit)
}

// DefaultLimits returns the USDⓈ-M futures quotas.
func DefaultLimits() []Limit {
	return []Limit{
		{Type: TypeRequestWeight, IntervalNum: 1, Unit: UnitMinute, Limit: 2400},
		{Type: TypeOrders, IntervalNum: 10, Unit: UnitSecond, Limit: 300},
		{Type: TypeOrders, IntervalNum: 1, Unit: UnitMinute, Limit: 1200},
	}
}

const (
	weightHeaderPrefix = "X-MBX-USED-WEIGHT-"
	orderHeaderPrefix  = "X-MBX-ORDER-COUNT-"
)

// ParseHeaders extracts usage entries from X-MBX-USED-WEIGHT-<n><unit> and
// X-MBX-ORDER-COUNT-<n><unit> headers. Unparseable headers are skipped.
func ParseHeaders(header http.Header) []Entry {
	var entries []Entry
	for name, values := range header {
		if len(values) == 0 {
			continue
		}
		upper := strings.ToUpper(name)
		var limitType, suffix string
		switch {
		case strings.HasPrefix(upper, weightHeaderPrefix):
			limitType, suffix = TypeRequestWeight, upper[len(weightHeaderPrefix):]
		case strings.HasPrefix(upper, orderHeaderPrefix):
			limitType, suffix = TypeOrders, upper[len(orderHeaderPrefix):]
		default:
			continue
		}
		n, unit, ok := parseInterval(suffix)
		if !ok {
			continue
		}
		count, err := strconv.Atoi(strings.TrimSpace(values[0]))
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Type: limitType, IntervalNum: n, Unit: unit, Count: count})
	}
	return entries
}

func parseInterval(raw string) (int, Unit, bool) {
	if len(raw) < 2 {
		return 0, 0, false
	}
	unit := Unit(raw[len(raw)-1])
	if unit.Duration(1) == 0 {
		return 0, 0, false
	}
	n, err := strconv.Atoi(raw[:len(raw)-1])
	if err != nil || n <= 0 {
		return 0, 0, false
	}
	return n, unit, true
}
