// Package model defines data structures for the agent inbox.
package model

import (
	"strings"
)

// Kind is the variant of a conversation.
type Kind string

const (
	KindGroup Kind = "group"
	KindDM    Kind = "dm"
)

// ConsentState is the consent preference recorded for a group or an inbox.
type ConsentState string

const (
	ConsentUnknown ConsentState = "unknown"
	ConsentAllowed ConsentState = "allowed"
	ConsentDenied  ConsentState = "denied"
)

// ParseConsentState maps a stored or user supplied value to a ConsentState.
// Anything unrecognised is ConsentUnknown.
func ParseConsentState(s string) ConsentState {
	switch ConsentState(strings.ToLower(strings.TrimSpace(s))) {
	case ConsentAllowed:
		return ConsentAllowed
	case ConsentDenied:
		return ConsentDenied
	default:
		return ConsentUnknown
	}
}

// ConsentEntityType says what a consent record is keyed by.
type ConsentEntityType string

const (
	EntityGroupID ConsentEntityType = "group_id"
	EntityInboxID ConsentEntityType = "inbox_id"
)

// ConsentRecord is a single consent preference write.
type ConsentRecord struct {
	Entity     string            `json:"entity"`
	EntityType ConsentEntityType `json:"entity_type"`
	State      ConsentState      `json:"state"`
}

// IdentifierKind is the address scheme of an identity.
type IdentifierKind string

const (
	IdentifierEthereum IdentifierKind = "ethereum"
)

// Identity is a chain-style address owned by an inbox.
type Identity struct {
	Identifier string         `json:"identifier"`
	Kind       IdentifierKind `json:"kind"`
}

// Member is a participant of a conversation.
type Member struct {
	InboxID    string     `json:"inbox_id"`
	Identities []Identity `json:"identities"`
}

// Addresses returns the lowercased Ethereum addresses of the member.
func (m Member) Addresses() []string {
	var out []string
	for _, id := range m.Identities {
		if id.Kind != IdentifierEthereum {
			continue
		}
		out = append(out, strings.ToLower(id.Identifier))
	}
	return out
}

// NormalizeAddress returns the canonical form of a chain-style address.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// DisplayName is the label shown for a conversation in a list. Groups show
// their name unless it is empty or the default name; everything else shows
// the id, shortened when long.
func DisplayName(id string, kind Kind, name, defaultGroupName string) string {
	if kind == KindGroup && name != "" && name != defaultGroupName {
		return name
	}
	if len(id) > 20 {
		return id[:10] + "..." + id[len(id)-6:]
	}
	return id
}
