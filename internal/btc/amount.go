// Package btc handles Bitcoin amount parsing and formatting.
package btc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
)

// Decimals is the decimal precision of Bitcoin (1 BTC = 10^8 satoshi).
const Decimals = 8

const satoshiPerBTC = 100_000_000

var (
	ErrEmptyAmount    = errors.New("btc: empty amount")
	ErrInvalidAmount  = errors.New("btc: invalid amount format")
	ErrNegativeAmount = errors.New("btc: negative amounts not allowed")
	ErrAmountTooLarge = errors.New("btc: amount exceeds total supply")
)

// maxSatoshi caps parsed amounts at the 21M BTC supply limit.
const maxSatoshi = 21_000_000 * satoshiPerBTC

// Parse converts a decimal BTC string (e.g. "0.015") to satoshis.
// The parse path is integer-only; no floats are involved.
func Parse(amount string) (btcutil.Amount, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return 0, ErrEmptyAmount
	}
	if strings.HasPrefix(amount, "-") {
		return 0, ErrNegativeAmount
	}

	var whole, decimal string
	switch parts := strings.Split(amount, "."); len(parts) {
	case 1:
		whole = parts[0]
	case 2:
		whole, decimal = parts[0], parts[1]
	default:
		return 0, ErrInvalidAmount
	}

	if whole == "" && decimal == "" {
		return 0, ErrInvalidAmount
	}
	if whole == "" {
		whole = "0"
	}
	if len(decimal) > Decimals {
		return 0, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, Decimals)
	}

	var sats int64
	for _, c := range whole {
		if c < '0' || c > '9' {
			return 0, ErrInvalidAmount
		}
		sats = sats*10 + int64(c-'0')
		if sats > maxSatoshi/satoshiPerBTC {
			return 0, ErrAmountTooLarge
		}
	}
	sats *= satoshiPerBTC

	// Pad the fractional part to 8 digits
	for len(decimal) < Decimals {
		decimal += "0"
	}
	var frac int64
	for _, c := range decimal {
		if c < '0' || c > '9' {
			return 0, ErrInvalidAmount
		}
		frac = frac*10 + int64(c-'0')
	}
	sats += frac

	if sats > maxSatoshi {
		return 0, ErrAmountTooLarge
	}
	return btcutil.Amount(sats), nil
}

// Format converts satoshis to a decimal BTC string with trailing zeros trimmed.
func Format(amount btcutil.Amount) string {
	sats := int64(amount)
	neg := ""
	if sats < 0 {
		neg = "-"
		sats = -sats
	}

	whole := sats / satoshiPerBTC
	frac := sats % satoshiPerBTC
	if frac == 0 {
		return fmt.Sprintf("%s%d", neg, whole)
	}

	s := fmt.Sprintf("%08d", frac)
	s = strings.TrimRight(s, "0")
	return fmt.Sprintf("%s%d.%s", neg, whole, s)
}
