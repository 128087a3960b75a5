// Package secure provides memory-safe handling of credential secret material.
//
// New secret material (an AWS secret access key, a GCP key JSON blob, an SSH
// private key) lives in process memory from the moment the store creates it
// until the reporter emits it. This package wraps memguard so that material
// is encrypted at rest in memory, protected from swapping via mlock where the
// platform allows it, and wiped on destruction. If mlock is unavailable the
// enclave still works with standard memory (graceful degradation).
package secure

import (
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

// Material holds opaque secret bytes in a protected memory region. The
// rotation protocol never parses or interprets the bytes, only transports
// them; callers that need the plaintext open the enclave briefly and destroy
// the unlocked buffer when done.
type Material struct {
	mu        sync.RWMutex
	enclave   *memguard.Enclave
	destroyed bool
}

// NewMaterial copies data into a protected enclave. The caller keeps
// ownership of data and should zero it after the call.
func NewMaterial(data []byte) *Material {
	return &Material{enclave: memguard.NewEnclave(data)}
}

// Open decrypts the material into a locked buffer. The caller MUST call
// Destroy() on the returned buffer to wipe the plaintext.
func (m *Material) Open() (*memguard.LockedBuffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.destroyed {
		return nil, fmt.Errorf("secret material already destroyed")
	}
	buf, err := m.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open enclave: %w", err)
	}
	return buf, nil
}

// Destroy marks the material unusable. Idempotent. The encrypted enclave
// itself is safe to leave to the garbage collector.
func (m *Material) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyed = true
	m.enclave = nil
}

// String implements fmt.Stringer so accidental formatting never leaks bytes.
func (m *Material) String() string {
	return "[PROTECTED]"
}
