// Package model defines the canonical event types shared across the
// ingestion pipeline.
//
// Conventions:
//   - Prices and sizes: decimal.Decimal parsed from the wire string, never
//     float64
//   - Timestamps: int64 milliseconds since Unix epoch, regardless of the
//     source unit
//   - Symbols: exchange-native instrument IDs (e.g. "BTCUSDT")
package model
