// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

// package sshkey validates and canonicalizes SSH public key material.
// Validation is pure: it checks the declared algorithm against a closed set,
// decodes the base64 payload, verifies the wire-format structure matches the
// declared algorithm, and derives the SHA256 fingerprint used for
// cross-user uniqueness checks.
package sshkey // import "github.com/toeirei/keywarden/internal/sshkey"

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Validation errors. Callers match with errors.Is; offending key rows are
// skipped with a warning rather than failing the surrounding host.
var (
	ErrEmptyLine         = errors.New("empty key line")
	ErrUnknownAlgorithm  = errors.New("unknown key algorithm")
	ErrMalformedPayload  = errors.New("malformed key payload")
	ErrAlgorithmMismatch = errors.New("payload algorithm does not match declared type")
)

// supportedAlgorithms is the closed set of public key algorithm tags the
// engine accepts. Anything else is a validation error, not a pass-through.
var supportedAlgorithms = map[string]bool{
	ssh.KeyAlgoED25519:    true,
	ssh.KeyAlgoRSA:        true,
	ssh.KeyAlgoECDSA256:   true,
	ssh.KeyAlgoECDSA384:   true,
	ssh.KeyAlgoECDSA521:   true,
	ssh.KeyAlgoSKED25519:  true,
	ssh.KeyAlgoSKECDSA256: true,
}

// CanonicalKey is the normalized, single-line form of a validated public key.
type CanonicalKey struct {
	Algorithm   string
	KeyData     string
	Comment     string
	Fingerprint string
}

// Line renders the canonical authorized_keys line without options.
func (k CanonicalKey) Line() string {
	if k.Comment != "" {
		return fmt.Sprintf("%s %s %s", k.Algorithm, k.KeyData, k.Comment)
	}
	return fmt.Sprintf("%s %s", k.Algorithm, k.KeyData)
}

// Validate checks a (algorithm, base64 payload) pair and returns its
// canonical form. The payload must decode cleanly, its length-prefixed wire
// structure must parse, and the algorithm embedded in the payload must match
// the declared tag.
func Validate(algorithm, keyData string) (CanonicalKey, error) {
	algorithm = strings.TrimSpace(algorithm)
	keyData = strings.TrimSpace(keyData)
	if algorithm == "" || keyData == "" {
		return CanonicalKey{}, ErrEmptyLine
	}
	if !supportedAlgorithms[algorithm] {
		return CanonicalKey{}, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}

	blob, err := base64.StdEncoding.DecodeString(keyData)
	if err != nil {
		return CanonicalKey{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	pub, err := ssh.ParsePublicKey(blob)
	if err != nil {
		return CanonicalKey{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if pub.Type() != algorithm {
		return CanonicalKey{}, fmt.Errorf("%w: declared %q, payload is %q", ErrAlgorithmMismatch, algorithm, pub.Type())
	}

	return CanonicalKey{
		Algorithm:   algorithm,
		KeyData:     base64.StdEncoding.EncodeToString(pub.Marshal()),
		Fingerprint: ssh.FingerprintSHA256(pub),
	}, nil
}

// ParseLine splits a raw public key line (like one from an authorized_keys
// file) into its components and validates the key material. Leading options
// (e.g. from="...",command="...") are tolerated and returned separately.
func ParseLine(rawLine string) (key CanonicalKey, options string, err error) {
	fields := strings.Fields(rawLine)
	if len(fields) == 0 {
		return CanonicalKey{}, "", ErrEmptyLine
	}

	keyStart := -1
	for i, field := range fields {
		if strings.HasPrefix(field, "ssh-") || strings.HasPrefix(field, "ecdsa-") || strings.HasPrefix(field, "sk-") {
			keyStart = i
			break
		}
	}
	if keyStart == -1 {
		return CanonicalKey{}, "", fmt.Errorf("%w: no key type tag in line", ErrUnknownAlgorithm)
	}
	if len(fields) < keyStart+2 {
		return CanonicalKey{}, "", fmt.Errorf("%w: missing key data after algorithm", ErrMalformedPayload)
	}

	key, err = Validate(fields[keyStart], fields[keyStart+1])
	if err != nil {
		return CanonicalKey{}, "", err
	}
	if len(fields) > keyStart+2 {
		key.Comment = strings.Join(fields[keyStart+2:], " ")
	}
	options = strings.Join(fields[:keyStart], " ")
	return key, options, nil
}
