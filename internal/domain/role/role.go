// Package role defines the ordered role levels and the static table of
// levels required per operation.
package role

import (
	"fmt"
	"strings"
)

// Level is an ordered permission tier. Higher values grant more.
type Level int

// Role levels in strictly increasing order.
const (
	None Level = iota
	Reader
	MetaReader
	Writer
	Admin
)

var levelNames = [...]string{"NONE", "READER", "METAREADER", "WRITER", "ADMIN"}

// String returns the upper-case role name.
func (l Level) String() string {
	if l < None || l > Admin {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool { return l >= None && l <= Admin }

// Allows reports whether l satisfies the required level.
func (l Level) Allows(required Level) bool { return l >= required }

// Parse converts a role name (case-insensitive) into a Level.
func Parse(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NONE":
		return None, nil
	case "READER":
		return Reader, nil
	case "METAREADER":
		return MetaReader, nil
	case "WRITER":
		return Writer, nil
	case "ADMIN":
		return Admin, nil
	default:
		return None, fmt.Errorf("unknown role %q", s)
	}
}

// Max returns the highest of the given levels.
func Max(levels ...Level) Level {
	out := None
	for _, l := range levels {
		if l > out {
			out = l
		}
	}
	return out
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid role level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
