package redis

import (
	"errors"
	"testing"

	"github.com/steveapo/oikion-realtime/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeChange(t *testing.T) {
	event, err := decodeChange(`{
		"id": "evt-1",
		"type": "member.join",
		"timestamp": "2026-03-14T09:00:00Z",
		"source": "crm",
		"version": 1,
		"payload": {"organizationId": "org-1", "userId": "user-1"}
	}`)

	require.NoError(t, err)
	assert.Equal(t, "evt-1", event.ID)
	assert.Equal(t, domain.EventMemberJoin, event.Type)
	assert.Equal(t, "org-1", event.OrganizationID())
	assert.Equal(t, domain.MemberPayload{OrganizationID: "org-1", UserID: "user-1"}, event.Payload)
}

func TestDecodeChange_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{name: "not json", payload: "property updated"},
		{name: "unknown type", payload: `{"id":"evt-1","type":"lead.create","payload":{}}`, wantErr: domain.ErrUnknownEventType},
		{name: "missing id", payload: `{"type":"data.sync","payload":{"organizationId":"org-1","entity":"leads"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeChange(tt.payload)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestIsAuthError(t *testing.T) {
	assert.True(t, isAuthError(errors.New("NOAUTH Authentication required.")))
	assert.True(t, isAuthError(errors.New("WRONGPASS invalid username-password pair")))
	assert.True(t, isAuthError(errors.New("NOPERM this user has no permissions to access the channel")))
	assert.False(t, isAuthError(errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")))
}

func TestChangeSourceName(t *testing.T) {
	assert.Equal(t, "redis", NewChangeSource(nil, "realtime:changes").Name())
}
