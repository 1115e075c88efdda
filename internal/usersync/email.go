package usersync

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// NormalizeEmail folds full-width and compatibility characters (NFKC),
// trims and lower-cases. It is the key of the email index.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(email)))
}

// IsValidEmail is a shape check for local@domain.tld, not RFC 5322.
func IsValidEmail(email string) bool {
	email = strings.TrimSpace(email)
	if email == "" {
		return false
	}
	return emailPattern.MatchString(email)
}

const tempPasswordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!@#$%^&*"

// GenerateTempPassword returns a random credential for accounts that must
// set their own password on first login.
func GenerateTempPassword(length int) (string, error) {
	if length <= 0 {
		length = 32
	}
	max := big.NewInt(int64(len(tempPasswordAlphabet)))
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(tempPasswordAlphabet[n.Int64()])
	}
	return b.String(), nil
}
