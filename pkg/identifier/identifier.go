// Package identifier defines the typed unique identifiers for entities that
// own mailboxes on an exchange: agents and users.
package identifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Role discriminates the kinds of entities that can own a mailbox.
type Role string

const (
	RoleAgent Role = "agent"
	RoleUser  Role = "user"
)

// EntityID identifies a mailbox owner on an exchange. It is either an
// AgentID or a UserID. Equality is by role and UUID; display names are
// decoration for logs.
type EntityID interface {
	fmt.Stringer

	Role() Role
	UUID() uuid.UUID
	DisplayName() string
}

// Equal reports whether two entity IDs refer to the same entity.
func Equal(a, b EntityID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Role() == b.Role() && a.UUID() == b.UUID()
}

// AgentID identifies an agent. The behavior the agent exhibits is carried
// separately by its registration; the ID itself is only a unique value plus
// an optional display name.
type AgentID struct {
	UID  uuid.UUID
	Name string
}

// NewAgentID mints a fresh agent ID. An empty name is allowed.
func NewAgentID(name string) AgentID {
	return AgentID{UID: uuid.New(), Name: name}
}

func (a AgentID) Role() Role          { return RoleAgent }
func (a AgentID) UUID() uuid.UUID     { return a.UID }
func (a AgentID) DisplayName() string { return a.Name }

func (a AgentID) String() string { return format(RoleAgent, a.UID, a.Name) }

// Equal reports whether both IDs name the same agent, ignoring display names.
func (a AgentID) Equal(other AgentID) bool { return a.UID == other.UID }

// MarshalJSON encodes the ID as its canonical string form.
func (a AgentID) MarshalJSON() ([]byte, error) { return json.Marshal(a.String()) }

// UnmarshalJSON decodes the canonical string form, rejecting user IDs.
func (a *AgentID) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	aid, ok := parsed.(AgentID)
	if !ok {
		return fmt.Errorf("identifier %q is not an agent ID", raw)
	}
	*a = aid
	return nil
}

// UserID identifies a user client.
type UserID struct {
	UID  uuid.UUID
	Name string
}

// NewUserID mints a fresh user ID. An empty name is allowed.
func NewUserID(name string) UserID {
	return UserID{UID: uuid.New(), Name: name}
}

func (u UserID) Role() Role          { return RoleUser }
func (u UserID) UUID() uuid.UUID     { return u.UID }
func (u UserID) DisplayName() string { return u.Name }

func (u UserID) String() string { return format(RoleUser, u.UID, u.Name) }

// Equal reports whether both IDs name the same user, ignoring display names.
func (u UserID) Equal(other UserID) bool { return u.UID == other.UID }

// MarshalJSON encodes the ID as its canonical string form.
func (u UserID) MarshalJSON() ([]byte, error) { return json.Marshal(u.String()) }

// UnmarshalJSON decodes the canonical string form, rejecting agent IDs.
func (u *UserID) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	uid, ok := parsed.(UserID)
	if !ok {
		return fmt.Errorf("identifier %q is not a user ID", raw)
	}
	*u = uid
	return nil
}

// format renders "<kind>:<uuid>[:<name>]".
func format(role Role, uid uuid.UUID, name string) string {
	if name == "" {
		return fmt.Sprintf("%s:%s", role, uid)
	}
	return fmt.Sprintf("%s:%s:%s", role, uid, name)
}

// Parse round-trips the canonical string form produced by String.
func Parse(s string) (EntityID, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed entity ID %q", s)
	}
	uid, err := uuid.Parse(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed entity ID %q: %w", s, err)
	}
	name := ""
	if len(parts) == 3 {
		name = parts[2]
	}
	switch Role(parts[0]) {
	case RoleAgent:
		return AgentID{UID: uid, Name: name}, nil
	case RoleUser:
		return UserID{UID: uid, Name: name}, nil
	default:
		return nil, fmt.Errorf("unknown entity role %q in %q", parts[0], s)
	}
}
