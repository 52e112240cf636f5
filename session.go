package myfs

import (
	"crypto/subtle"
	"fmt"
	"time"
)

// SessionState tracks the authentication state machine:
// Closed -> SessionOpen -> VolumeOpen -> Closed.
type SessionState int

const (
	// StateClosed is the initial and final state.
	StateClosed SessionState = iota
	// StateSessionOpen means the session secret was accepted.
	StateSessionOpen
	// StateVolumeOpen means a volume is unlocked under this session.
	StateVolumeOpen
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateSessionOpen:
		return "session-open"
	case StateVolumeOpen:
		return "volume-open"
	default:
		return "unknown"
	}
}

// Session gates every volume operation. It opens only against the session
// secret for the local date and is passed explicitly to volume operations;
// nothing in the package holds ambient authority.
//
// The session secret is a deliberate weak gate, not a security boundary:
// the string "myfs-" followed by the local date as YYYYMMDD. It is never
// stored and is not used as key material.
type Session struct {
	state        SessionState
	now          func() time.Time
	timeout      time.Duration
	lastActivity time.Time
}

// sessionSecretFor returns the expected session secret for the given time.
func sessionSecretFor(t time.Time) string {
	return "myfs-" + t.Format("20060102")
}

// OpenSession validates the session secret against the local date and
// returns an open session. Mismatch is ErrAuthFailed.
func OpenSession(secret string, cfg *Config) (*Session, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := cfg.Now()
	expected := sessionSecretFor(now)
	if subtle.ConstantTimeCompare([]byte(secret), []byte(expected)) != 1 {
		return nil, ErrAuthFailed
	}
	return &Session{
		state:        StateSessionOpen,
		now:          cfg.Now,
		timeout:      cfg.InactivityTimeout,
		lastActivity: now,
	}, nil
}

// State returns the current state of the session.
func (s *Session) State() SessionState {
	return s.state
}

// Close ends the session. Any volume opened under it must already have been
// closed by its owner; the session itself holds no key material.
func (s *Session) Close() {
	s.state = StateClosed
}

// require verifies the session is in the wanted state and has not idled out.
func (s *Session) require(want SessionState) error {
	if s == nil {
		return ErrClosed
	}
	if s.timeout > 0 && s.state != StateClosed {
		if s.now().Sub(s.lastActivity) > s.timeout {
			s.state = StateClosed
			return fmt.Errorf("session idle timeout: %w", ErrClosed)
		}
	}
	if s.state != want {
		return ErrClosed
	}
	s.lastActivity = s.now()
	return nil
}

// transition moves the session between states, enforcing the legal edges.
func (s *Session) transition(from, to SessionState) error {
	if s.state != from {
		return ErrClosed
	}
	s.state = to
	return nil
}
