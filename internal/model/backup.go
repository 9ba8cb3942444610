// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

package model

// Snapshot is the serializable form of everything the store holds: the
// desired state tables plus the engine-owned deployment records. It is the
// payload of the zstd-compressed JSON backup format.
type Snapshot struct {
	Hosts     []Host          `json:"hosts"`
	Users     []User          `json:"users"`
	Groups    []Group         `json:"groups"`
	Grants    []Grant         `json:"grants"`
	UserKeys  []UserKey       `json:"user_keys"`
	HostKeys  []HostKey       `json:"host_keys"`
	HostState []HostState     `json:"host_state"`
	AuditLog  []AuditLogEntry `json:"audit_log"`
}
