package util

import (
	"errors"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultPhoneRegion is used when a number has no country prefix.
const DefaultPhoneRegion = "US"

var (
	ErrEmptyPhoneNumber   = errors.New("phone number cannot be empty")
	ErrInvalidPhoneNumber = errors.New("invalid phone number")
)

// CanonicalizePhone parses phone and returns it in E.164 form (e.g. +15551234567).
// Numbers without a leading + are interpreted in region (DefaultPhoneRegion when empty).
func CanonicalizePhone(phone, region string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", ErrEmptyPhoneNumber
	}
	if region == "" {
		region = DefaultPhoneRegion
	}
	num, err := phonenumbers.Parse(phone, region)
	if err != nil {
		return "", ErrInvalidPhoneNumber
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", ErrInvalidPhoneNumber
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// DigitsOnly strips everything but digits from an E.164 number (WhatsApp JIDs use bare digits).
func DigitsOnly(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
