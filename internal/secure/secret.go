package secure

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrWiped is returned by Reveal after Wipe.
var ErrWiped = errors.New("secret has been wiped")

// Secret holds one sensitive value in an encrypted enclave.
type Secret struct {
	mu      sync.RWMutex
	enclave *memguard.Enclave
	wiped   bool
}

// NewSecret seals value. Empty values are rejected.
func NewSecret(value string) (*Secret, error) {
	if value == "" {
		return nil, errors.New("secret value is empty")
	}
	return NewSecretBytes([]byte(value))
}

// NewSecretBytes seals data. memguard wipes data once it is copied.
func NewSecretBytes(data []byte) (*Secret, error) {
	if len(data) == 0 {
		return nil, errors.New("secret value is empty")
	}
	return &Secret{enclave: memguard.NewEnclave(data)}, nil
}

// Reveal decrypts the value.
func (s *Secret) Reveal() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.wiped {
		return "", ErrWiped
	}
	locked, err := s.enclave.Open()
	if err != nil {
		return "", err
	}
	defer locked.Destroy()
	return string(locked.Bytes()), nil
}

// Wipe drops the enclave. It is safe to call more than once.
func (s *Secret) Wipe() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enclave = nil
	s.wiped = true
}

// String never renders the value.
func (s *Secret) String() string {
	return "[REDACTED]"
}

// Purge wipes every enclave key held by the process.
func Purge() {
	memguard.Purge()
}
