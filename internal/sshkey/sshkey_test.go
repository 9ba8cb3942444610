// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

package sshkey

import (
	"errors"
	"strings"
	"testing"
)

const (
	ed25519KeyData     = "AAAAC3NzaC1lZDI1NTE5AAAAIP4gom+GSJ42YUddPM6m7f6mr/85I+wZ1ExqytTRvlNg"
	ed25519Fingerprint = "SHA256:mPBDPAjOx219IDnYecwgiFdE7rMxsuB+3cfq8AFsiis"
	ecdsaKeyData       = "AAAAE2VjZHNhLXNoYTItbmlzdHAyNTYAAAAIbmlzdHAyNTYAAABBBLc56C2bSIyNsiTPDryibDfRcPGYWclHtjjsWh/8nErd2y0/236WqJg9RJed/0uTK3Q9+DiGyNQfnjZrMJllLDw="
)

func TestValidate_ED25519(t *testing.T) {
	key, err := Validate("ssh-ed25519", ed25519KeyData)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if key.Algorithm != "ssh-ed25519" {
		t.Errorf("unexpected algorithm: %s", key.Algorithm)
	}
	if key.KeyData != ed25519KeyData {
		t.Errorf("canonical key data differs from input:\n got %s\nwant %s", key.KeyData, ed25519KeyData)
	}
	if key.Fingerprint != ed25519Fingerprint {
		t.Errorf("unexpected fingerprint: %s", key.Fingerprint)
	}
}

func TestValidate_ECDSA(t *testing.T) {
	key, err := Validate("ecdsa-sha2-nistp256", ecdsaKeyData)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !strings.HasPrefix(key.Fingerprint, "SHA256:") {
		t.Errorf("fingerprint missing SHA256 prefix: %s", key.Fingerprint)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name      string
		algorithm string
		keyData   string
		want      error
	}{
		{"empty line", "", "", ErrEmptyLine},
		{"empty payload", "ssh-ed25519", "", ErrEmptyLine},
		{"unknown algorithm", "ssh-dss", ed25519KeyData, ErrUnknownAlgorithm},
		{"bad base64", "ssh-ed25519", "!!!not-base64!!!", ErrMalformedPayload},
		{"garbage payload", "ssh-ed25519", "aGVsbG8gd29ybGQ=", ErrMalformedPayload},
		{"algorithm mismatch", "ssh-rsa", ed25519KeyData, ErrAlgorithmMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.algorithm, tt.keyData)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Validate(%q, ...) error = %v, want %v", tt.algorithm, err, tt.want)
			}
		})
	}
}

func TestParseLine_Normal(t *testing.T) {
	key, options, err := ParseLine("ssh-ed25519 " + ed25519KeyData + " alice@workstation")
	if err != nil {
		t.Fatalf("ParseLine failed: %v", err)
	}
	if options != "" {
		t.Errorf("unexpected options: %q", options)
	}
	if key.Comment != "alice@workstation" {
		t.Errorf("unexpected comment: %q", key.Comment)
	}
	if key.Fingerprint != ed25519Fingerprint {
		t.Errorf("unexpected fingerprint: %s", key.Fingerprint)
	}
}

func TestParseLine_WithOptions(t *testing.T) {
	line := `no-agent-forwarding,from="10.0.0.0/8" ssh-ed25519 ` + ed25519KeyData + ` deploy`
	key, options, err := ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine failed: %v", err)
	}
	if options != `no-agent-forwarding,from="10.0.0.0/8"` {
		t.Errorf("unexpected options: %q", options)
	}
	if key.Comment != "deploy" {
		t.Errorf("unexpected comment: %q", key.Comment)
	}
}

func TestParseLine_Errors(t *testing.T) {
	if _, _, err := ParseLine(""); !errors.Is(err, ErrEmptyLine) {
		t.Errorf("empty line: got %v", err)
	}
	if _, _, err := ParseLine("just some text"); !errors.Is(err, ErrUnknownAlgorithm) {
		t.Errorf("no key tag: got %v", err)
	}
	if _, _, err := ParseLine("ssh-ed25519"); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("missing payload: got %v", err)
	}
}

func TestCanonicalKey_Line(t *testing.T) {
	key := CanonicalKey{Algorithm: "ssh-ed25519", KeyData: ed25519KeyData}
	if got := key.Line(); got != "ssh-ed25519 "+ed25519KeyData {
		t.Errorf("Line() without comment: %q", got)
	}
	key.Comment = "alice"
	if got := key.Line(); got != "ssh-ed25519 "+ed25519KeyData+" alice" {
		t.Errorf("Line() with comment: %q", got)
	}
}
