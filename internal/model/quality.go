package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Level is an ordered quality grade. Higher values are worse.
type Level int

// Quality levels, ordered Null < Good < Medium < Bad.
const (
	LevelNull Level = iota
	LevelGood
	LevelMedium
	LevelBad
)

var levelNames = [...]string{"Null", "Good", "Medium", "Bad"}

// String returns the canonical name of the level.
func (l Level) String() string {
	if !l.Valid() {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether l is one of the four defined levels.
func (l Level) Valid() bool { return l >= LevelNull && l <= LevelBad }

// ParseLevel parses a level name case-insensitively.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(name, s) {
			return Level(i), nil
		}
	}
	return LevelNull, fmt.Errorf("model: unknown quality level %q", s)
}

// MarshalJSON encodes the level by name.
func (l Level) MarshalJSON() ([]byte, error) { return json.Marshal(l.String()) }

// UnmarshalJSON decodes a level name.
func (l *Level) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Quality is the outcome of a check. It is a value type; With* methods
// return modified copies.
type Quality struct {
	Level    Level             `json:"level"`
	Reasons  []string          `json:"reasons,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Predefined qualities without reasons.
var (
	Null   = Quality{Level: LevelNull}
	Good   = Quality{Level: LevelGood}
	Medium = Quality{Level: LevelMedium}
	Bad    = Quality{Level: LevelBad}
)

// String returns the level name.
func (q Quality) String() string { return q.Level.String() }

// IsWorseThan reports whether q is strictly worse than other.
func (q Quality) IsWorseThan(other Quality) bool { return q.Level > other.Level }

// WithReason returns a copy of q with reason appended.
func (q Quality) WithReason(reason string) Quality {
	c := q.Clone()
	c.Reasons = append(c.Reasons, reason)
	return c
}

// WithMetadata returns a copy of q with key set to value.
func (q Quality) WithMetadata(key, value string) Quality {
	c := q.Clone()
	if c.Metadata == nil {
		c.Metadata = make(map[string]string, 1)
	}
	c.Metadata[key] = value
	return c
}

// Clone returns a deep copy.
func (q Quality) Clone() Quality {
	q.Reasons = slices.Clone(q.Reasons)
	q.Metadata = maps.Clone(q.Metadata)
	return q
}

// Worst returns the worst quality among qs. Reasons of all inputs sharing
// the worst level are kept. An empty input yields Null.
func Worst(qs ...Quality) Quality {
	if len(qs) == 0 {
		return Null
	}
	worst := qs[0].Level
	for _, q := range qs[1:] {
		if q.Level > worst {
			worst = q.Level
		}
	}
	out := Quality{Level: worst}
	for _, q := range qs {
		if q.Level != worst {
			continue
		}
		out.Reasons = append(out.Reasons, q.Reasons...)
		for k, v := range q.Metadata {
			if out.Metadata == nil {
				out.Metadata = make(map[string]string)
			}
			out.Metadata[k] = v
		}
	}
	return out
}
