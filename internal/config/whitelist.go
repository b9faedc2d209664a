package config

// IDSet is an allow-set of conversation or user identifiers.
// An empty set allows everything of its kind.
type IDSet map[int64]struct{}

// Allows reports whether id passes the set. Empty set means allow-all.
func (s IDSet) Allows(id int64) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[id]
	return ok
}

// Whitelist holds the per-kind allow-sets applied to both the event
// broadcast path and downstream RPC dispatch.
type Whitelist struct {
	Groups IDSet
	Users  IDSet
}

// AllowsGroup reports whether the group conversation passes.
func (w Whitelist) AllowsGroup(groupID int64) bool {
	return w.Groups.Allows(groupID)
}

// AllowsUser reports whether the user passes.
func (w Whitelist) AllowsUser(userID int64) bool {
	return w.Users.Allows(userID)
}
