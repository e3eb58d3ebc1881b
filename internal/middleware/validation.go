package middleware

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/capitalize-ai/agent-inbox/internal/model"
)

const (
	maxContentLength = 100000
	maxParticipants  = 250
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("content cannot be empty")
	}
	if len(content) > maxContentLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateAddress validates an Ethereum style address.
func ValidateAddress(address string) error {
	if !addressPattern.MatchString(strings.TrimSpace(address)) {
		return errors.New("invalid address format")
	}
	return nil
}

// ValidateAddresses validates the participants of a new group.
func ValidateAddresses(addresses []string) error {
	if len(addresses) == 0 {
		return errors.New("at least one address is required")
	}
	if len(addresses) > maxParticipants {
		return errors.New("too many addresses")
	}
	for _, a := range addresses {
		if err := ValidateAddress(a); err != nil {
			return err
		}
	}
	return nil
}

// ValidateConsentState validates a consent state written by a client.
func ValidateConsentState(state string) (model.ConsentState, error) {
	switch s := model.ParseConsentState(state); s {
	case model.ConsentAllowed, model.ConsentDenied:
		return s, nil
	default:
		return "", errors.New("state must be allowed or denied")
	}
}
