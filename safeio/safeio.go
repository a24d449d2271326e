// Package safeio holds the input guards shared by the storage and transport
// layers: path traversal checks, identifier validation and bounded reads.
package safeio

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned when a key would escape its base directory.
var ErrPathTraversal = errors.New("safeio: path traversal detected")

// ErrTooLarge is returned by LimitedReadAll when the limit is exceeded.
var ErrTooLarge = errors.New("safeio: input too large")

// MinSecretLen is the minimum length of an HMAC signing secret.
const MinSecretLen = 32

// ErrSecretTooShort is returned when a secret does not meet MinSecretLen.
var ErrSecretTooShort = fmt.Errorf("safeio: secret must be at least %d bytes", MinSecretLen)

// ValidateSecret checks that secret is at least MinSecretLen bytes.
func ValidateSecret(secret []byte) error {
	if len(secret) < MinSecretLen {
		return ErrSecretTooShort
	}
	return nil
}

// SafePath joins base and key and verifies the result stays under base.
func SafePath(base, key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || strings.ContainsRune(key, 0) {
		return "", ErrPathTraversal
	}
	root := filepath.Clean(base)
	joined := filepath.Join(root, filepath.Clean("/"+key))
	if !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return joined, nil
}

// ValidateIdentifier accepts 1 to 128 characters of [A-Za-z0-9_.-]. Tenant
// and document IDs pass through it before they become storage keys.
func ValidateIdentifier(s string) error {
	if s == "" {
		return errors.New("safeio: identifier must not be empty")
	}
	if len(s) > 128 {
		return errors.New("safeio: identifier too long (max 128)")
	}
	if s == "." || s == ".." {
		return fmt.Errorf("safeio: invalid identifier %q", s)
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("safeio: invalid character %q in identifier", r)
		}
	}
	return nil
}

// LimitedReadAll reads r fully, failing with ErrTooLarge past maxBytes.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxBytes)
	}
	return data, nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}
