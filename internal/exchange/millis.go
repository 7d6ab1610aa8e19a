package exchange

// UnixMillis normalizes an exchange-supplied timestamp to milliseconds since
// epoch. Venues disagree on units: KuCoin futures tickers use nanoseconds,
// KuCoin candles use seconds, Bitget uses milliseconds. The magnitude of the
// value identifies the unit unambiguously for any plausible market time.
func UnixMillis(v int64) int64 {
	switch {
	case v <= 0:
		return 0
	case v < 1e11: // seconds (until year 5138)
		return v * 1000
	case v < 1e14: // milliseconds
		return v
	case v < 1e17: // microseconds
		return v / 1000
	default: // nanoseconds
		return v / 1e6
	}
}
