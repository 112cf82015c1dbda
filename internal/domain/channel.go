package domain

import (
	"fmt"
	"strings"
)

type ChannelKind string

const (
	ChannelOrganization ChannelKind = "org"
	ChannelUser         ChannelKind = "user"
)

// WildcardChannel receives every event regardless of scope.
const WildcardChannel = "*"

// Channel is a parsed "kind:id" routing key.
type Channel struct {
	Kind ChannelKind
	ID   string
}

// ParseChannel splits s on its first colon. The wildcard "*" parses to the
// zero Channel; any other string without a colon is ErrMalformedChannel.
// Unknown kinds parse fine and simply never match.
func ParseChannel(s string) (Channel, error) {
	if s == WildcardChannel {
		return Channel{}, nil
	}
	kind, id, ok := strings.Cut(s, ":")
	if !ok || kind == "" || id == "" {
		return Channel{}, fmt.Errorf("%w: %q", ErrMalformedChannel, s)
	}
	return Channel{Kind: ChannelKind(kind), ID: id}, nil
}

func OrganizationChannel(organizationID string) string {
	return string(ChannelOrganization) + ":" + organizationID
}

func UserChannel(userID string) string {
	return string(ChannelUser) + ":" + userID
}

func (c Channel) IsWildcard() bool {
	return c == Channel{}
}

func (c Channel) String() string {
	if c.IsWildcard() {
		return WildcardChannel
	}
	return string(c.Kind) + ":" + c.ID
}

// Matches reports whether event should be delivered to this channel.
func (c Channel) Matches(event RealtimeEvent) bool {
	if c.IsWildcard() {
		return true
	}
	organizationID, userID := RoutingKeys(event.Payload)
	switch c.Kind {
	case ChannelOrganization:
		return organizationID != "" && organizationID == c.ID
	case ChannelUser:
		return userID != "" && userID == c.ID
	default:
		return false
	}
}
