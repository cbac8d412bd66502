// Package validate holds the pure input checks run before any state
// mutation or network round-trip.
package validate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"freelanceflow/internal/strkey"
)

const (
	// DescriptionMin and DescriptionMax bound job descriptions, in runes.
	DescriptionMin = 10
	DescriptionMax = 500
)

var (
	ErrInvalidAddress     = errors.New("invalid ledger address")
	ErrInvalidAmount      = errors.New("amount must be a positive number")
	ErrAmountBelowMinimum = errors.New("amount below minimum")
	ErrInvalidDescription = errors.New("description must be 10-500 characters")
)

// Address verifies the structural + checksum form of a ledger address.
func Address(s string) error {
	if !strkey.IsValidAddress(s) {
		return ErrInvalidAddress
	}
	return nil
}

// Amount verifies s parses as a number strictly greater than zero.
func Amount(s string) error {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// CreateAmount applies the job-creation floor on top of Amount.
func CreateAmount(s string, min float64) error {
	if err := Amount(s); err != nil {
		return err
	}
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if v < min {
		return fmt.Errorf("%w: need at least %g", ErrAmountBelowMinimum, min)
	}
	return nil
}

// Description checks the trimmed text length is within bounds.
func Description(s string) error {
	trimmed := strings.TrimSpace(s)
	n := utf8.RuneCountInString(trimmed)
	if n < DescriptionMin || n > DescriptionMax {
		return ErrInvalidDescription
	}
	return nil
}
