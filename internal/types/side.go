package types

import (
	"fmt"
	"strings"
)

// Side is the direction of a signal or position. The zero value is Neutral.
type Side int

const (
	Neutral Side = iota
	Long
	Short
)

func (s Side) String() string {
	switch s {
	case Long:
		return "long"
	case Short:
		return "short"
	case Neutral:
		return "neutral"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

// Valid reports whether s is one of the three declared sides.
func (s Side) Valid() bool {
	return s == Neutral || s == Long || s == Short
}

// Directional reports whether s can carry a position.
func (s Side) Directional() bool {
	return s == Long || s == Short
}

func (s Side) Opposite() Side {
	switch s {
	case Long:
		return Short
	case Short:
		return Long
	default:
		return Neutral
	}
}

// ParseSide accepts long/short/neutral plus the buy/sell aliases exchanges use.
func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "long", "buy":
		return Long, nil
	case "short", "sell":
		return Short, nil
	case "neutral", "flat", "":
		return Neutral, nil
	default:
		return Neutral, fmt.Errorf("unknown side %q", raw)
	}
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid side %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
