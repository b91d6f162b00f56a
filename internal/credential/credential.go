// Package credential creates and verifies salted scrypt credentials used to
// protect private rooms.
package credential

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/sync/semaphore"
)

// MinPasswordLength is the shortest password accepted for a private room.
const MinPasswordLength = 4

const saltSize = 16

// ErrInvalidPassword is returned by Create when the password is too short.
var ErrInvalidPassword = errors.New("credential: password must be at least 4 characters")

// Credential is an opaque encoding of a salt and the derived hash, stored as
// "hex(salt):hex(hash)".
type Credential string

// Params holds the scrypt cost parameters.
type Params struct {
	N      int
	R      int
	P      int
	KeyLen int
}

// DefaultParams matches the interactive-login recommendation for scrypt.
var DefaultParams = Params{N: 16384, R: 8, P: 1, KeyLen: 64}

// Store derives and checks credentials. The number of hashes computed at the
// same time is bounded so a burst of joins cannot starve the process.
type Store struct {
	params Params
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithParams overrides the scrypt parameters.
func WithParams(p Params) Option {
	return func(s *Store) { s.params = p }
}

// WithConcurrency bounds the number of hashes computed concurrently.
func WithConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// NewStore returns a Store using DefaultParams and one hashing slot per CPU.
func NewStore(logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		params: DefaultParams,
		sem:    semaphore.NewWeighted(int64(runtime.NumCPU())),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create salts and hashes password. It blocks for the duration of the hash
// and while waiting for a free hashing slot.
func (s *Store) Create(ctx context.Context, password string) (Credential, error) {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return "", ErrInvalidPassword
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("credential: read salt: %w", err)
	}

	hash, err := s.derive(ctx, password, salt)
	if err != nil {
		return "", err
	}
	return Credential(hex.EncodeToString(salt) + ":" + hex.EncodeToString(hash)), nil
}

// Verify reports whether password matches cred. Malformed credentials and
// hashing failures are logged and reported as a mismatch.
func (s *Store) Verify(ctx context.Context, password string, cred Credential) bool {
	salt, want, err := decode(cred)
	if err != nil {
		s.logger.Error("credential.verify.malformed", "err", err)
		return false
	}

	got, err := s.derive(ctx, password, salt)
	if err != nil {
		s.logger.Error("credential.verify.hash", "err", err)
		return false
	}
	if len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}

func (s *Store) derive(ctx context.Context, password string, salt []byte) ([]byte, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("credential: wait for hash slot: %w", err)
	}
	defer s.sem.Release(1)

	key, err := scrypt.Key([]byte(password), salt, s.params.N, s.params.R, s.params.P, s.params.KeyLen)
	if err != nil {
		return nil, fmt.Errorf("credential: scrypt: %w", err)
	}
	return key, nil
}

func decode(cred Credential) (salt, hash []byte, err error) {
	saltHex, hashHex, ok := strings.Cut(string(cred), ":")
	if !ok || saltHex == "" || hashHex == "" {
		return nil, nil, errors.New("credential: missing separator")
	}
	if salt, err = hex.DecodeString(saltHex); err != nil {
		return nil, nil, fmt.Errorf("credential: salt: %w", err)
	}
	if hash, err = hex.DecodeString(hashHex); err != nil {
		return nil, nil, fmt.Errorf("credential: hash: %w", err)
	}
	return salt, hash, nil
}
