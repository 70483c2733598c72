package models

import "time"

// InstrumentClass selects the spread policy applied by the pricing engine.
type InstrumentClass string

const (
	ClassFX     InstrumentClass = "FX"
	ClassCFD    InstrumentClass = "CFD"
	ClassCrypto InstrumentClass = "CRYPTO"
	ClassEquity InstrumentClass = "EQUITY"
)

// Instrument is the static description of a tradable symbol.
type Instrument struct {
	ID    string          `json:"id" yaml:"id"`
	Class InstrumentClass `json:"class" yaml:"class"`
	// Precision is the number of decimal places prices are rounded to.
	Precision int32     `json:"precision" yaml:"precision"`
	ListedAt  time.Time `json:"listed_at" yaml:"listed_at"`
	// Markup is an absolute price amount added to the policy spread (CFD style).
	Markup float64 `json:"markup" yaml:"markup"`
	// EmbeddedSpread marks providers whose quotes already include the house spread.
	EmbeddedSpread bool `json:"embedded_spread" yaml:"embedded_spread"`
}
