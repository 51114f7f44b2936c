// Package identity models who a request acts for: an authenticated user or
// an anonymous guest session.
package identity

import (
	"strconv"
	"strings"
)

type Identity struct {
	UserID         int64
	GuestSessionID string
}

func User(id int64) Identity {
	return Identity{UserID: id}
}

func Guest(sessionID string) Identity {
	return Identity{GuestSessionID: strings.TrimSpace(sessionID)}
}

// FromColumns rebuilds an identity from nullable owner columns.
func FromColumns(userID *int64, guestSessionID *string) Identity {
	var id Identity
	if userID != nil {
		id.UserID = *userID
	}
	if guestSessionID != nil {
		id.GuestSessionID = strings.TrimSpace(*guestSessionID)
	}
	return id
}

func (i Identity) IsZero() bool {
	return i.UserID == 0 && i.GuestSessionID == ""
}

func (i Identity) IsUser() bool {
	return i.UserID != 0
}

// Owner keeps exactly one meaningful field, preferring the user.
func (i Identity) Owner() Identity {
	if i.IsUser() {
		return Identity{UserID: i.UserID}
	}
	return Identity{GuestSessionID: i.GuestSessionID}
}

// Key is a stable string form used for lock, rate limit and quota keys.
func (i Identity) Key() string {
	switch {
	case i.IsUser():
		return "user:" + strconv.FormatInt(i.UserID, 10)
	case i.GuestSessionID != "":
		return "guest:" + i.GuestSessionID
	default:
		return ""
	}
}

func (i Identity) UserIDPtr() *int64 {
	if !i.IsUser() {
		return nil
	}
	v := i.UserID
	return &v
}

func (i Identity) GuestSessionPtr() *string {
	if i.IsUser() || i.GuestSessionID == "" {
		return nil
	}
	v := i.GuestSessionID
	return &v
}

// Owns reports whether the caller may act on a record owned by owner. A
// caller carrying both a user and an older guest session matches either.
func (i Identity) Owns(owner Identity) bool {
	if owner.IsUser() {
		return i.UserID == owner.UserID
	}
	if owner.GuestSessionID != "" {
		return i.GuestSessionID == owner.GuestSessionID
	}
	return false
}

// Predicate returns a SQL filter matching rows owned by the identity using
// the conventional user_id / guest_session_id columns.
func (i Identity) Predicate() (string, []interface{}) {
	if i.IsUser() {
		return "user_id = ?", []interface{}{i.UserID}
	}
	return "user_id IS NULL AND guest_session_id = ?", []interface{}{i.GuestSessionID}
}
