// Package currency holds per-currency validation and conversion rules
// (spec §6): address formats, standard denominations, confirmation
// thresholds, dust limits and minimums. The conversion helpers generalize
// the teacher's btcToSats/btcutil.NewAmount idiom (internal/api/routes.go)
// to all seven supported currencies, expressed as int64 minor units
// instead of float64 throughout the engine.
package currency

import (
	"regexp"

	"github.com/rawblock/mixer-engine/internal/engineerr"
	"github.com/rawblock/mixer-engine/pkg/models"
)

var addressPatterns = map[models.Currency]*regexp.Regexp{
	models.BTC:  regexp.MustCompile(`^([13][a-km-zA-HJ-NP-Z1-9]{25,34}|bc1[a-z0-9]{39,59})$`),
	models.ETH:  regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`),
	models.USDT: regexp.MustCompile(`^(0x[a-fA-F0-9]{40}|T[A-Za-z1-9]{33})$`),
	models.SOL:  regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`),
	models.LTC:  regexp.MustCompile(`^([LM3][a-km-zA-HJ-NP-Z1-9]{26,33}|ltc1[a-z0-9]{39,59})$`),
	models.DASH: regexp.MustCompile(`^X[a-km-zA-HJ-NP-Z1-9]{33}$`),
	models.ZEC:  regexp.MustCompile(`^(t1[a-km-zA-HJ-NP-Z1-9]{33}|t3[a-km-zA-HJ-NP-Z1-9]{33}|zs1[a-z0-9]{75})$`),
}

// decimals is the number of minor-unit decimal places per currency
// (satoshi for BTC/LTC/DASH/ZEC, wei for ETH — the engine's own ledger
// always speaks minor units).
var decimals = map[models.Currency]int32{
	models.BTC:  8,
	models.ETH:  18,
	models.USDT: 6,
	models.SOL:  9,
	models.LTC:  8,
	models.DASH: 8,
	models.ZEC:  8,
}

// confirmationThresholds is the number of confirmations required before a
// deposit is considered final, per spec §6.
var confirmationThresholds = map[models.Currency]int{
	models.BTC:  3,
	models.ETH:  12,
	models.USDT: 12,
	models.SOL:  32,
	models.LTC:  6,
	models.DASH: 6,
	models.ZEC:  6,
}

// standardDenominations lists the fixed CoinJoin participation amounts, in
// minor units, spec §6 documents for each currency that supports them.
var standardDenominations = map[models.Currency][]int64{
	models.BTC:  {100_000, 1_000_000, 10_000_000, 100_000_000},
	models.ETH:  {100_000_000_000_000_000, 1_000_000_000_000_000_000},
	models.USDT: {100_000_000, 1_000_000_000},
	models.SOL:  {1_000_000_000, 10_000_000_000},
}

// minimumMixAmount is the smallest InputAmount, in minor units, the engine
// will accept for a MixRequest on this currency.
var minimumMixAmount = map[models.Currency]int64{
	models.BTC:  50_000,
	models.ETH:  10_000_000_000_000_000,
	models.USDT: 10_000_000,
	models.SOL:  100_000_000,
	models.LTC:  1_000_000,
	models.DASH: 1_000_000,
	models.ZEC:  1_000_000,
}

// dustLimit is the smallest output amount, in minor units, the engine will
// ever construct a transaction output for.
var dustLimit = map[models.Currency]int64{
	models.BTC:  546,
	models.ETH:  1,
	models.USDT: 1,
	models.SOL:  1,
	models.LTC:  1_000,
	models.DASH: 1_000,
	models.ZEC:  1_000,
}

// ValidateAddress reports whether addr is a structurally valid address for
// currency, per the regex table in spec §6.
func ValidateAddress(currency models.Currency, addr string) error {
	re, ok := addressPatterns[currency]
	if !ok {
		return engineerr.New(engineerr.Validation, "unknown_currency", "no address pattern for currency "+string(currency))
	}
	if !re.MatchString(addr) {
		return engineerr.New(engineerr.Validation, "invalid_address", "address does not match "+string(currency)+" format")
	}
	return nil
}

// Decimals returns the number of minor-unit decimal places for currency.
func Decimals(c models.Currency) int32 {
	return decimals[c]
}

// ConfirmationThreshold returns the number of confirmations spec §6
// requires before a deposit on this currency is treated as final.
func ConfirmationThreshold(c models.Currency) int {
	return confirmationThresholds[c]
}

// StandardDenominations returns the fixed CoinJoin participation amounts
// for currency, or nil if the currency has no standard denomination table
// (its CoinJoin sessions size their denomination dynamically instead).
func StandardDenominations(c models.Currency) []int64 {
	return standardDenominations[c]
}

// MinimumMixAmount returns the smallest InputAmount the engine accepts for
// a new MixRequest on this currency.
func MinimumMixAmount(c models.Currency) int64 {
	return minimumMixAmount[c]
}

// DustLimit returns the smallest output amount the engine will construct
// for this currency.
func DustLimit(c models.Currency) int64 {
	return dustLimit[c]
}

// ToMinorUnits converts a decimal amount, given as its integer part whole
// and its fractional part frac written with fracDigits digits (0.015 BTC
// is whole=0, frac=15, fracDigits=3), into the currency's minor-unit
// integer representation, generalizing the teacher's btcToSats(btc
// float64) helper to all seven currencies so callers never round-trip
// through float64.
func ToMinorUnits(c models.Currency, whole int64, frac int64, fracDigits int32) (int64, error) {
	d, ok := decimals[c]
	if !ok {
		return 0, engineerr.New(engineerr.Validation, "unknown_currency", "no decimals entry for currency "+string(c))
	}
	if fracDigits > d {
		return 0, engineerr.New(engineerr.Validation, "precision_overflow", "fractional part has more precision than currency supports")
	}
	scale := pow10(d - fracDigits)
	base := pow10(d)
	return whole*base + frac*scale, nil
}

func pow10(n int32) int64 {
	r := int64(1)
	for i := int32(0); i < n; i++ {
		r *= 10
	}
	return r
}
