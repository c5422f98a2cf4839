package domain

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")

	ErrInvalidOrder          = errors.New("invalid order parameters")
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrOrderExpired          = errors.New("order expired")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrNotApproved           = errors.New("outcome token not approved")
	ErrExposureLimit         = errors.New("market exposure limit exceeded")
	ErrNotLeader             = errors.New("not leader")
	ErrProxyUnavailable      = errors.New("leader proxy unavailable")
	ErrLockContention        = errors.New("lock contention")
	ErrDurability            = errors.New("durability failure")
)

// NotLeaderError is returned by mutating operations on a follower. LeaderID is
// the best known leader, empty when unknown.
type NotLeaderError struct {
	LeaderID string
	NodeID   string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return "not leader: leader unknown"
	}
	return "not leader: leader is " + e.LeaderID
}

func (e *NotLeaderError) Unwrap() error { return ErrNotLeader }

// ProxyUnavailableError is returned when a follower cannot reach the leader,
// either because the circuit is open or the call failed.
type ProxyUnavailableError struct {
	Path          string
	CircuitOpen   bool
	SuggestedWait time.Duration
	Err           error
}

func (e *ProxyUnavailableError) Error() string {
	if e.CircuitOpen {
		return "leader proxy unavailable: circuit open for " + e.Path
	}
	if e.Err != nil {
		return "leader proxy unavailable: " + e.Err.Error()
	}
	return "leader proxy unavailable"
}

func (e *ProxyUnavailableError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrProxyUnavailable, e.Err}
	}
	return []error{ErrProxyUnavailable}
}

// Retryable reports whether err is a coordination error the caller should
// retry with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrNotLeader) ||
		errors.Is(err, ErrProxyUnavailable) ||
		errors.Is(err, ErrLockContention)
}
