// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

// package state provides a secure, in-memory mailbox for transient secrets
// that need to be shared between the CLI and the transport layer, such as
// the passphrase for the operator's deploy key.
package state // import "github.com/toeirei/keywarden/internal/state"

import "sync"

// PassphraseCache is a concurrency-safe mailbox for the deploy key
// passphrase. It holds a byte slice instead of a string so the sensitive
// data can be explicitly zeroed after use.
var PassphraseCache = &passphraseMailbox{}

type passphraseMailbox struct {
	value []byte
	mu    sync.RWMutex
}

// Set stores a copy of the passphrase, overwriting any existing value.
func (p *passphraseMailbox) Set(pass []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pass == nil {
		p.value = nil
		return
	}
	// Store a copy so the caller's slice isn't retained.
	p.value = make([]byte, len(pass))
	copy(p.value, pass)
}

// Get returns a copy of the passphrase, or nil when none is set. The caller
// is responsible for zeroing the returned slice after use.
func (p *passphraseMailbox) Get() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.value == nil {
		return nil
	}
	passCopy := make([]byte, len(p.value))
	copy(passCopy, p.value)
	return passCopy
}

// Clear wipes the passphrase from memory.
func (p *passphraseMailbox) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.value {
		p.value[i] = 0
	}
	p.value = nil
}
