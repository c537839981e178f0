package validator

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidEmail    = errors.New("invalid email")
	ErrInvalidPassword = errors.New("invalid password")
	ErrInvalidFullName = errors.New("invalid full name")
	ErrInvalidPhone    = errors.New("invalid phone")
	ErrInvalidAddress  = errors.New("invalid address")
)

var (
	emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phoneRegex = regexp.MustCompile(`^\+?[0-9 ()-]{6,20}$`)

	btcLegacyRegex = regexp.MustCompile(`^[13][1-9A-HJ-NP-Za-km-z]{25,34}$`)
	btcBech32Regex = regexp.MustCompile(`^bc1[02-9ac-hj-np-z]{11,71}$`)
	evmRegex       = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	tronRegex      = regexp.MustCompile(`^T[1-9A-HJ-NP-Za-km-z]{33}$`)
)

func ValidateEmail(email string) error {
	if len(email) > 254 || !emailRegex.MatchString(email) {
		return ErrInvalidEmail
	}
	return nil
}

func ValidatePassword(password string) error {
	if len(password) < 8 || len(password) > 72 {
		return ErrInvalidPassword
	}
	return nil
}

func ValidateFullName(name string) error {
	trimmed := strings.TrimSpace(name)
	if n := utf8.RuneCountInString(trimmed); n < 2 || n > 100 {
		return ErrInvalidFullName
	}
	return nil
}

// ValidatePhone accepts an empty value; phone is optional.
func ValidatePhone(phone string) error {
	if phone == "" {
		return nil
	}
	if !phoneRegex.MatchString(phone) {
		return ErrInvalidPhone
	}
	return nil
}

// ValidateAddress checks the destination format for the chains each
// currency is paid out on. Unknown currencies only need a plausible token.
func ValidateAddress(currency, address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return ErrInvalidAddress
	}
	var ok bool
	switch strings.ToUpper(currency) {
	case "BTC":
		ok = btcLegacyRegex.MatchString(address) || btcBech32Regex.MatchString(strings.ToLower(address))
	case "ETH":
		ok = evmRegex.MatchString(address)
	case "USDT":
		ok = tronRegex.MatchString(address) || evmRegex.MatchString(address)
	default:
		ok = len(address) <= 128 && !strings.ContainsAny(address, " \t\r\n")
	}
	if !ok {
		return ErrInvalidAddress
	}
	return nil
}
