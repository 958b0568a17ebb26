// password.go

// Argon2id password hashing and verification, with legacy bcrypt verify.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	argonSaltLen = 16
	argonKeyLen  = uint32(32)
)

// Hasher hashes and verifies passwords.
type Hasher interface {
	// Hash produces a self-describing digest of password.
	Hash(password string) (string, error)

	// Verify checks password against digest.
	// Returns (true, nil) on match, (false, nil) on mismatch, or an error on a malformed digest.
	Verify(password, digest string) (bool, error)

	// NeedsUpgrade reports whether digest should be rehashed with current parameters.
	NeedsUpgrade(digest string) bool
}

// Argon2idHasher produces PHC-formatted argon2id digests.
// Time, Memory (KiB) and Threads are the parameters for new hashes; Verify reads
// parameters from the digest so old hashes keep verifying after a change.
type Argon2idHasher struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

// NewArgon2idHasher returns a hasher with production parameters (t=3, m=64MiB, p=2).
func NewArgon2idHasher() *Argon2idHasher {
	return &Argon2idHasher{Time: 3, Memory: 64 * 1024, Threads: 2}
}

// Hash returns PHC-formatted Argon2id hash of plaintext password.
// Format: $argon2id$v=19$m=65536,t=3,p=2$<base64 salt>$<base64 hash>
func (h *Argon2idHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}

	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("AUTH_SALT_FAILED").Wrap(err)
	}

	hash := argon2.IDKey([]byte(password), salt, h.Time, h.Memory, h.Threads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.Memory, h.Time, h.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// isBcrypt reports whether digest is a bcrypt hash.
func isBcrypt(digest string) bool {
	return strings.HasPrefix(digest, "$2a$") || strings.HasPrefix(digest, "$2b$") || strings.HasPrefix(digest, "$2y$")
}

// Verify checks plaintext password against a stored argon2id or legacy bcrypt digest.
// Uses constant-time comparison.
func (h *Argon2idHasher) Verify(password, digest string) (bool, error) {
	if isBcrypt(digest) {
		err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, oops.Code("AUTH_INVALID_HASH").Wrap(err)
		}
		return true, nil
	}

	p, err := parseArgon2id(digest)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.threads, uint32(len(p.hash)))
	return subtle.ConstantTimeCompare(computed, p.hash) == 1, nil
}

// NeedsUpgrade is true for bcrypt digests and for argon2id digests made with other parameters.
func (h *Argon2idHasher) NeedsUpgrade(digest string) bool {
	p, err := parseArgon2id(digest)
	if err != nil {
		return true
	}
	return p.time != h.Time || p.memory != h.Memory || p.threads != h.Threads
}

type argon2Params struct {
	memory, time uint32
	threads      uint8
	salt, hash   []byte
}

// parseArgon2id splits a PHC string into its parameters.
func parseArgon2id(digest string) (*argon2Params, error) {
	parts := strings.Split(digest, "$")
	if len(parts) != 6 {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("invalid hash format")
	}
	if parts[1] != "argon2id" {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("unsupported hash algorithm: %s", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}
	if version != argon2.Version {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("unsupported argon2 version: %d", version)
	}

	var p argon2Params
	var threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &threads); err != nil {
		return nil, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}
	if threads == 0 || threads > 255 {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("invalid threads value %d", threads)
	}
	p.threads = uint8(threads)

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}
	if p.hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return nil, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}
	if len(p.hash) == 0 || len(p.hash) > 1024 {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("invalid hash key length: %d", len(p.hash))
	}
	return &p, nil
}

// PasswordPolicy defines password complexity rules applied at registration and password reset.
//
//	MinLength is the minimum rune count (user-perceived chars); 0 skips minimum enforcement.
//	MaxBytes is the maximum byte length, bounding argon2 input; 0 skips it.
//	RequireUppercase, RequireDigit, and RequireSpecial each gate a character-class check.
//	Special characters are defined by the specialChars constant.
type PasswordPolicy struct {
	MinLength        int
	MaxBytes         int
	RequireUppercase bool
	RequireDigit     bool
	RequireSpecial   bool
}

// DefaultPasswordPolicy is the policy applied to new passwords.
var DefaultPasswordPolicy = PasswordPolicy{
	MinLength:        8,
	MaxBytes:         128,
	RequireUppercase: true,
	RequireDigit:     true,
	RequireSpecial:   true,
}

// specialChars defines which characters satisfy the RequireSpecial rule.
// All printable non-alphanumeric ASCII punctuation and symbols.
const specialChars = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// Validate checks password against every enabled rule and returns a slice of human-readable
// failure messages; an empty slice means the password is valid.
func (p PasswordPolicy) Validate(password string) []string {
	if password == "" {
		return []string{"Password is required"}
	}

	var failures []string
	if p.MinLength > 0 && utf8.RuneCountInString(password) < p.MinLength {
		failures = append(failures, fmt.Sprintf("Password must be at least %d characters", p.MinLength))
	}
	if p.MaxBytes > 0 && len(password) > p.MaxBytes {
		failures = append(failures, fmt.Sprintf("Password must be at most %d bytes", p.MaxBytes))
	}

	var seenUpper, seenDigit, seenSpecial bool
	for _, r := range password {
		if unicode.IsControl(r) {
			return []string{"Password contains invalid characters"}
		}
		switch {
		case unicode.IsUpper(r):
			seenUpper = true
		case unicode.IsDigit(r):
			seenDigit = true
		case strings.ContainsRune(specialChars, r):
			seenSpecial = true
		}
	}

	if p.RequireUppercase && !seenUpper {
		failures = append(failures, "Password must contain at least one uppercase letter")
	}
	if p.RequireDigit && !seenDigit {
		failures = append(failures, "Password must contain at least one digit")
	}
	if p.RequireSpecial && !seenSpecial {
		failures = append(failures, "Password must contain at least one special character")
	}

	return failures
}
