package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/scrypt"
)

// CredentialVerifier derives and checks stored credentials. The byte
// encoding of a stored credential belongs to the implementation; callers
// only move it between Hash, the user record and Verify.
type CredentialVerifier interface {
	Hash(password string) ([]byte, error)
	// Verify reports whether password matches stored. A malformed stored
	// value is an error, a mismatch is not.
	Verify(stored []byte, password string) (bool, error)
}

// NewCredentialVerifier returns the verifier registered under name.
func NewCredentialVerifier(name string) (CredentialVerifier, error) {
	switch name {
	case "", "scrypt":
		return NewScryptVerifier(), nil
	case "bcrypt":
		return &BcryptVerifier{Cost: bcrypt.DefaultCost}, nil
	default:
		return nil, fmt.Errorf("unknown password hasher %q", name)
	}
}

// ScryptVerifier uses a per-credential random salt and scrypt key
// derivation. Parameters are stored next to the key so they can be raised
// without invalidating existing credentials.
type ScryptVerifier struct {
	N, R, P int
	KeyLen  int
	SaltLen int
}

func NewScryptVerifier() *ScryptVerifier {
	return &ScryptVerifier{N: 16384, R: 8, P: 1, KeyLen: 64, SaltLen: 16}
}

const scryptPrefix = "scrypt"

func (v *ScryptVerifier) Hash(password string) ([]byte, error) {
	salt := make([]byte, v.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}
	key, err := scrypt.Key([]byte(password), salt, v.N, v.R, v.P, v.KeyLen)
	if err != nil {
		return nil, err
	}
	enc := base64.RawStdEncoding
	encoded := strings.Join([]string{
		scryptPrefix,
		strconv.Itoa(v.N), strconv.Itoa(v.R), strconv.Itoa(v.P),
		enc.EncodeToString(salt), enc.EncodeToString(key),
	}, "$")
	return []byte(encoded), nil
}

var errMalformedCredential = errors.New("malformed stored credential")

func (v *ScryptVerifier) Verify(stored []byte, password string) (bool, error) {
	parts := strings.Split(string(stored), "$")
	if len(parts) != 6 || parts[0] != scryptPrefix {
		return false, errMalformedCredential
	}
	var params [3]int
	for i := range params {
		n, err := strconv.Atoi(parts[i+1])
		if err != nil {
			return false, errMalformedCredential
		}
		params[i] = n
	}
	enc := base64.RawStdEncoding
	salt, err := enc.DecodeString(parts[4])
	if err != nil {
		return false, errMalformedCredential
	}
	want, err := enc.DecodeString(parts[5])
	if err != nil {
		return false, errMalformedCredential
	}
	got, err := scrypt.Key([]byte(password), salt, params[0], params[1], params[2], len(want))
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// BcryptVerifier keeps bcrypt's own self-describing encoding.
type BcryptVerifier struct {
	Cost int
}

func (v *BcryptVerifier) Hash(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), v.Cost)
}

func (v *BcryptVerifier) Verify(stored []byte, password string) (bool, error) {
	err := bcrypt.CompareHashAndPassword(stored, []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
