package properties

import "context"

// Store hands out sessions. A Session belongs to one request and must not be
// shared between goroutines.
type Store interface {
	NewSession() Session
	// Purge drops every property of the given resources.
	Purge(ctx context.Context, resourceIDs []int64) error
}

// Session is the transactional view on dead properties for one request.
//
// Writes are buffered in a transaction that starts implicitly on the first
// SetValue or Remove after the last Commit or Rollback. Reads only see
// committed data.
type Session interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	SetValue(ctx context.Context, resourceID int64, key, value string) error
	Remove(ctx context.Context, resourceID int64, key string) error

	Value(ctx context.Context, resourceID int64, key string) (string, bool, error)
	Values(ctx context.Context, resourceID int64) (map[string]string, error)
}

// op is one buffered write.
type op struct {
	resourceID int64
	key        string
	value      string
	remove     bool
}

// staged collects writes for stores that apply them in one go on commit.
type staged struct {
	active bool
	ops    []op
}

func (s *staged) begin() {
	if !s.active {
		s.active = true
		s.ops = s.ops[:0]
	}
}

func (s *staged) set(id int64, key, value string) {
	s.begin()
	s.ops = append(s.ops, op{resourceID: id, key: key, value: value})
}

func (s *staged) remove(id int64, key string) {
	s.begin()
	s.ops = append(s.ops, op{resourceID: id, key: key, remove: true})
}

// take returns the buffered writes and ends the transaction.
func (s *staged) take() []op {
	ops := s.ops
	s.ops = nil
	s.active = false
	return ops
}
