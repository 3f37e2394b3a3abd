package btc

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"1", 100_000_000},
		{"0.00000001", 1},
		{"0.01", 1_000_000},
		{"0.015", 1_500_000},
		{"21000000", 21_000_000 * 100_000_000},
		{".5", 50_000_000},
		{"2.", 200_000_000},
		{" 0.25 ", 25_000_000},
	}

	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q) error: %v", tt.in, err)
			continue
		}
		if int64(got) != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		in   string
		want error
	}{
		{"", ErrEmptyAmount},
		{"   ", ErrEmptyAmount},
		{"-1", ErrNegativeAmount},
		{"1.2.3", ErrInvalidAmount},
		{"abc", ErrInvalidAmount},
		{"1,5", ErrInvalidAmount},
		{"0.123456789", ErrInvalidAmount},
		{"21000001", ErrAmountTooLarge},
		{".", ErrInvalidAmount},
	}

	for _, tt := range tests {
		_, err := Parse(tt.in)
		if !errors.Is(err, tt.want) {
			t.Errorf("Parse(%q) error = %v, want %v", tt.in, err, tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{1, "0.00000001"},
		{100_000_000, "1"},
		{1_500_000, "0.015"},
		{123_456_789, "1.23456789"},
		{-50_000_000, "-0.5"},
	}

	for _, tt := range tests {
		if got := Format(btcutil.Amount(tt.in)); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"0.00000001", "0.015", "1", "20999999.99999999"} {
		amt, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if got := Format(amt); got != s {
			t.Errorf("Format(Parse(%q)) = %q", s, got)
		}
	}
}
