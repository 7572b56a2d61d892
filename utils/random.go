package utils

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// GenerateCode returns n random bytes hex encoded in upper case.
func GenerateCode(n int) (string, error) {
	byt := make([]byte, n)

	if _, err := rand.Read(byt); err != nil {
		return "", err
	}

	return strings.ToUpper(hex.EncodeToString(byt)), nil
}

// GenerateQRToken returns an opaque 128-bit credential identifier.
func GenerateQRToken() (string, error) {
	code, err := GenerateCode(16)
	if err != nil {
		return "", err
	}
	return "QR" + code, nil
}
