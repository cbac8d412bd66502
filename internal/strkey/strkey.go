// Package strkey implements the ledger's public-key string encoding:
// a version byte and 32-byte key, base32-encoded with a trailing
// CRC16-XModem checksum. Account addresses are 56 characters and start
// with 'G'.
package strkey

import (
	"encoding/base32"
	"errors"
	"fmt"
)

const (
	// AddressLength is the encoded length of an account address.
	AddressLength = 56

	// versionAccountID yields a leading 'G' after base32 encoding.
	versionAccountID = 6 << 3

	rawKeyLen = 32
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

var (
	ErrInvalidLength   = errors.New("strkey: invalid address length")
	ErrInvalidVersion  = errors.New("strkey: invalid version byte")
	ErrInvalidChecksum = errors.New("strkey: checksum mismatch")
)

// Encode renders a raw 32-byte public key as an account address.
func Encode(raw [rawKeyLen]byte) string {
	payload := make([]byte, 0, 1+rawKeyLen+2)
	payload = append(payload, versionAccountID)
	payload = append(payload, raw[:]...)

	crc := checksum(payload)
	payload = append(payload, byte(crc&0xff), byte(crc>>8))

	return encoding.EncodeToString(payload)
}

// Decode parses an account address back into its raw key, verifying the
// version byte and checksum.
func Decode(address string) ([rawKeyLen]byte, error) {
	var raw [rawKeyLen]byte

	if len(address) != AddressLength {
		return raw, fmt.Errorf("%w: got %d characters", ErrInvalidLength, len(address))
	}

	payload, err := encoding.DecodeString(address)
	if err != nil {
		return raw, fmt.Errorf("strkey: decode: %w", err)
	}
	if len(payload) != 1+rawKeyLen+2 {
		return raw, ErrInvalidLength
	}
	if payload[0] != versionAccountID {
		return raw, ErrInvalidVersion
	}

	body := payload[:len(payload)-2]
	want := uint16(payload[len(payload)-2]) | uint16(payload[len(payload)-1])<<8
	if checksum(body) != want {
		return raw, ErrInvalidChecksum
	}

	copy(raw[:], payload[1:1+rawKeyLen])
	return raw, nil
}

// IsValidAddress reports whether s is a structurally valid account
// address with a correct checksum.
func IsValidAddress(s string) bool {
	_, err := Decode(s)
	return err == nil
}

// checksum is CRC16-XModem: polynomial 0x1021, zero initial value.
func checksum(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
