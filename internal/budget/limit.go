package budget

import (
	"encoding/json"
	"fmt"
	"time"
)

// Limit is a time ceiling that is either bounded to a number of seconds or
// unlimited. The wire protocol and the original registry layout encode
// "unlimited" as -1; that sentinel only exists at the codec boundary.
type Limit struct {
	seconds int64
	bounded bool
}

// Unlimited is the zero Limit: no ceiling. For the temporary and bedtime
// limits it doubles as "not set", matching their -1 semantics on the wire.
var Unlimited = Limit{}

// Bounded returns a limit of d, floored at zero.
func Bounded(d time.Duration) Limit {
	secs := int64(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	return Limit{seconds: secs, bounded: true}
}

// BoundedSeconds returns a limit of n seconds, floored at zero.
func BoundedSeconds(n int64) Limit {
	if n < 0 {
		n = 0
	}
	return Limit{seconds: n, bounded: true}
}

// LimitFromSeconds decodes the wire representation: any negative value is
// the unlimited sentinel.
func LimitFromSeconds(n int64) Limit {
	if n < 0 {
		return Unlimited
	}
	return Limit{seconds: n, bounded: true}
}

// IsBounded reports whether the limit is a real ceiling.
func (l Limit) IsBounded() bool {
	return l.bounded
}

// Seconds returns the ceiling in seconds, or -1 when unlimited.
func (l Limit) Seconds() int64 {
	if !l.bounded {
		return -1
	}
	return l.seconds
}

// Duration returns the ceiling as a duration. Only meaningful when bounded.
func (l Limit) Duration() time.Duration {
	return time.Duration(l.seconds) * time.Second
}

// Minus subtracts used time from the ceiling, clamping at zero. An
// unlimited limit stays unlimited.
func (l Limit) Minus(used time.Duration) Limit {
	if !l.bounded {
		return Unlimited
	}
	return Bounded(l.Duration() - used)
}

// Less reports whether l is a stricter ceiling than other. Unlimited is
// never stricter than anything.
func (l Limit) Less(other Limit) bool {
	if !l.bounded {
		return false
	}
	if !other.bounded {
		return true
	}
	return l.seconds < other.seconds
}

func (l Limit) String() string {
	if !l.bounded {
		return "unlimited"
	}
	return l.Duration().String()
}

// MarshalJSON encodes the limit as whole seconds, -1 for unlimited.
func (l Limit) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Seconds())
}

// UnmarshalJSON decodes whole seconds, treating any negative value as
// unlimited.
func (l *Limit) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid limit: %w", err)
	}
	*l = LimitFromSeconds(n)
	return nil
}
