package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Validation failure taxonomy. Each is terminal for one publish attempt and
// is reported to the originating connection only.
var (
	ErrMalformedEvent      = errors.New("malformed event")
	ErrIDMismatch          = errors.New("id does not match canonical digest")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrTimestampOutOfRange = errors.New("created_at too far in the future")
)

// Limits bounds the structural size of an accepted event.
type Limits struct {
	MaxContentBytes int
	MaxTags         int
	MaxTagDepth     int           // max elements per tag tuple
	MaxTagBytes     int           // max bytes per tag element
	ClockSkew       time.Duration // accepted created_at drift into the future
}

// DefaultLimits mirrors the relay's shipped policy constants.
func DefaultLimits() Limits {
	return Limits{
		MaxContentBytes: 64 * 1024,
		MaxTags:         256,
		MaxTagDepth:     16,
		MaxTagBytes:     1024,
		ClockSkew:       15 * time.Minute,
	}
}

// Validator parses and authenticates wire-format events. It is a pure
// function of its inputs: no I/O, no shared state beyond the clock.
type Validator struct {
	limits Limits
	now    func() time.Time
}

// NewValidator builds a validator with the given limits.
func NewValidator(limits Limits) *Validator {
	return &Validator{limits: limits, now: time.Now}
}

// WithClock overrides the clock for testing.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate decodes raw into an Event, recomputes the canonical digest,
// verifies the signature, and enforces structural limits and the clock-skew
// window. The returned event is safe to store and broadcast.
func (v *Validator) Validate(raw []byte) (*Event, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedEvent)
	}
	if err := v.checkStructure(&ev); err != nil {
		return nil, err
	}

	id, err := ev.ComputeID()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if id != ev.ID {
		return nil, ErrIDMismatch
	}

	if err := ev.VerifySignature(); err != nil {
		return nil, err
	}

	limit := v.now().Add(v.limits.ClockSkew).Unix()
	if ev.CreatedAt > limit {
		return nil, fmt.Errorf("%w: created_at %d beyond %d", ErrTimestampOutOfRange, ev.CreatedAt, limit)
	}
	return &ev, nil
}

func (v *Validator) checkStructure(ev *Event) error {
	if len(ev.ID) != 64 || !isHex(ev.ID) {
		return fmt.Errorf("%w: id must be 64 hex characters", ErrMalformedEvent)
	}
	if len(ev.Author) != 64 || !isHex(ev.Author) {
		return fmt.Errorf("%w: pubkey must be 64 hex characters", ErrMalformedEvent)
	}
	if len(ev.Sig) != 128 || !isHex(ev.Sig) {
		return fmt.Errorf("%w: sig must be 128 hex characters", ErrMalformedEvent)
	}
	if ev.Kind < 0 || ev.Kind > 65535 {
		return fmt.Errorf("%w: kind out of range", ErrMalformedEvent)
	}
	if ev.CreatedAt <= 0 {
		return fmt.Errorf("%w: created_at must be positive", ErrMalformedEvent)
	}
	if len(ev.Content) > v.limits.MaxContentBytes {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrMalformedEvent, v.limits.MaxContentBytes)
	}
	if len(ev.Tags) > v.limits.MaxTags {
		return fmt.Errorf("%w: more than %d tags", ErrMalformedEvent, v.limits.MaxTags)
	}
	for _, tag := range ev.Tags {
		if len(tag) == 0 {
			return fmt.Errorf("%w: empty tag tuple", ErrMalformedEvent)
		}
		if len(tag) > v.limits.MaxTagDepth {
			return fmt.Errorf("%w: tag tuple exceeds %d elements", ErrMalformedEvent, v.limits.MaxTagDepth)
		}
		for _, elem := range tag {
			if len(elem) > v.limits.MaxTagBytes {
				return fmt.Errorf("%w: tag element exceeds %d bytes", ErrMalformedEvent, v.limits.MaxTagBytes)
			}
		}
	}
	if ev.Tags == nil {
		ev.Tags = [][]string{}
	}
	return nil
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
