package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/steveapo/oikion-realtime/internal/domain"
)

// Row operations as reported by TG_OP.
const (
	opInsert = "INSERT"
	opUpdate = "UPDATE"
	opDelete = "DELETE"
)

const (
	tableProperties    = "properties"
	tableMemberships   = "memberships"
	tableOrganizations = "organizations"
)

var errNoOrganization = errors.New("change record has no organization")

// ChangeRecord is the notification body written by realtime_notify_change().
type ChangeRecord struct {
	Table          string   `json:"table"`
	Op             string   `json:"op"`
	ID             string   `json:"id"`
	OrganizationID string   `json:"organization_id"`
	UserID         string   `json:"user_id"`
	ChangedBy      string   `json:"changed_by"`
	Fields         []string `json:"fields"`
}

// organization returns the owning organization. An organizations row is its
// own organization.
func (r ChangeRecord) organization() string {
	if r.OrganizationID == "" && r.Table == tableOrganizations {
		return r.ID
	}
	return r.OrganizationID
}

// toPayload maps a row change onto the event model. Tables without a
// dedicated event become data.sync hints naming the table.
func (r ChangeRecord) toPayload() (domain.EventType, domain.Payload, error) {
	organizationID := r.organization()
	if organizationID == "" {
		return "", nil, fmt.Errorf("%w: %s %s", errNoOrganization, r.Op, r.Table)
	}

	switch r.Table {
	case tableProperties:
		op, err := propertyOperation(r.Op)
		if err != nil {
			return "", nil, err
		}
		eventType, err := op.EventType()
		if err != nil {
			return "", nil, err
		}
		return eventType, domain.PropertyPayload{
			Operation:      op,
			PropertyID:     r.ID,
			OrganizationID: organizationID,
			UpdatedBy:      r.ChangedBy,
			UpdatedFields:  r.Fields,
		}, nil

	case tableMemberships:
		switch r.Op {
		case opInsert:
			return domain.EventMemberJoin, domain.MemberPayload{OrganizationID: organizationID, UserID: r.UserID, ActorID: r.ChangedBy}, nil
		case opDelete:
			return domain.EventMemberLeave, domain.MemberPayload{OrganizationID: organizationID, UserID: r.UserID, ActorID: r.ChangedBy}, nil
		}

	case tableOrganizations:
		return domain.EventOrganizationUpdate, domain.OrganizationPayload{
			OrganizationID: organizationID,
			UpdatedBy:      r.ChangedBy,
			UpdatedFields:  r.Fields,
		}, nil
	}

	var ids []string
	if r.ID != "" {
		ids = []string{r.ID}
	}
	return domain.EventDataSync, domain.DataSyncPayload{
		OrganizationID: organizationID,
		Entity:         r.Table,
		EntityIDs:      ids,
		Reason:         strings.ToLower(r.Op),
	}, nil
}

func propertyOperation(op string) (domain.PropertyOperation, error) {
	switch op {
	case opInsert:
		return domain.PropertyCreate, nil
	case opUpdate:
		return domain.PropertyUpdate, nil
	case opDelete:
		return domain.PropertyDelete, nil
	default:
		return "", fmt.Errorf("unknown row operation %q", op)
	}
}
