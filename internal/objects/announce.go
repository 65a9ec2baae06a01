package objects

import (
	"errors"
	"strings"
)

// ErrMalformedAnnouncement is returned for announcement bodies without an
// unescaped task separator.
var ErrMalformedAnnouncement = errors.New("objects: malformed announcement")

// Escape protects the announcement separators ',' and ':' and the escape
// character itself.
func Escape(s string) string {
	if !strings.ContainsAny(s, `\,:`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for _, r := range s {
		if r == '\\' || r == ',' || r == ':' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FormatAnnouncement builds "<task>:<name1>,<name2>,..." with escaping.
func FormatAnnouncement(task string, names []string) string {
	var b strings.Builder
	b.WriteString(Escape(task))
	b.WriteByte(':')
	for i, n := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(Escape(n))
	}
	return b.String()
}

// Announcement returns the announcement body for the current object set.
func (m *Manager) Announcement() string {
	return FormatAnnouncement(m.taskName, m.Names())
}

// ParseAnnouncement is the inverse of FormatAnnouncement.
func ParseAnnouncement(body string) (task string, names []string, err error) {
	var (
		cur     strings.Builder
		escaped bool
		gotTask bool
	)
	names = []string{}
	for _, r := range body {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ':' && !gotTask:
			task = cur.String()
			cur.Reset()
			gotTask = true
		case r == ',' && gotTask:
			names = append(names, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if !gotTask || escaped {
		return "", nil, ErrMalformedAnnouncement
	}
	if cur.Len() > 0 || len(names) > 0 {
		names = append(names, cur.String())
	}
	return task, names, nil
}
