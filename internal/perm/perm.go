package perm

import "sort"

// Permission is one entry of the fixed share-permission vocabulary.
type Permission string

// Action is a client-facing operation that must be mapped to a required
// permission before it runs.
type Action string

const (
	Read     Permission = "read"
	Download Permission = "download"
	Modify   Permission = "modify"
	Comment  Permission = "comment"
	Reshare  Permission = "reshare"
)

const (
	ActionView     Action = "view"
	ActionDownload Action = "download"
	ActionEdit     Action = "edit"
	ActionComment  Action = "comment"
	ActionShare    Action = "share"
)

const (
	TargetUser = "user"
	TargetRole = "role"
	TargetOrg  = "org"
)

// Principal is the verified caller identity: direct id, held role names,
// held organization ids and the server-resolved admin flag.
type Principal struct {
	ID    string
	Name  string
	Roles []string
	Orgs  []string
	Admin bool
}

func Valid(permission string) bool {
	switch Permission(permission) {
	case Read, Download, Modify, Comment, Reshare:
		return true
	default:
		return false
	}
}

func ValidTarget(targetType string) bool {
	switch targetType {
	case TargetUser, TargetRole, TargetOrg:
		return true
	default:
		return false
	}
}

// Required maps an action to the permission that must be held for it.
func Required(action Action) (Permission, bool) {
	switch action {
	case ActionView:
		return Read, true
	case ActionDownload:
		return Download, true
	case ActionEdit:
		return Modify, true
	case ActionComment:
		return Comment, true
	case ActionShare:
		return Reshare, true
	default:
		return "", false
	}
}

// TargetMatches reports whether a grant target applies to the principal.
// Exactly one case per target variant.
func TargetMatches(targetType, targetID string, principal Principal) bool {
	switch targetType {
	case TargetUser:
		return targetID == principal.ID
	case TargetRole:
		for _, role := range principal.Roles {
			if role == targetID {
				return true
			}
		}
		return false
	case TargetOrg:
		for _, org := range principal.Orgs {
			if org == targetID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Set is a union of granted permissions.
type Set map[Permission]struct{}

func NewSet(permissions ...string) Set {
	set := make(Set, len(permissions))
	for _, permission := range permissions {
		set[Permission(permission)] = struct{}{}
	}
	return set
}

func (s Set) Add(permissions []string) {
	for _, permission := range permissions {
		s[Permission(permission)] = struct{}{}
	}
}

func (s Set) Has(permission Permission) bool {
	_, ok := s[permission]
	return ok
}

func (s Set) List() []string {
	items := make([]string, 0, len(s))
	for permission := range s {
		items = append(items, string(permission))
	}
	sort.Strings(items)
	return items
}
