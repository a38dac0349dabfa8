package session

// Predicate selects sessions for a broadcast.
type Predicate func(*Session) bool

// All matches every session.
func All() Predicate {
	return func(*Session) bool { return true }
}

// InRoom matches sessions that joined room.
func InRoom(room string) Predicate {
	return func(s *Session) bool { return s.InRoom(room) }
}

// ForUser matches sessions owned by userID.
func ForUser(userID string) Predicate {
	return func(s *Session) bool { return s.UserID() == userID }
}

// Except excludes the session with id.
func Except(id string) Predicate {
	return func(s *Session) bool { return s.ID() != id }
}

// And matches sessions accepted by every predicate.
func And(predicates ...Predicate) Predicate {
	return func(s *Session) bool {
		for _, p := range predicates {
			if p != nil && !p(s) {
				return false
			}
		}
		return true
	}
}
