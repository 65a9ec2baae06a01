package model

import "strconv"

// Activity is the execution context of a run.
type Activity struct {
	ID         int    `json:"id" yaml:"number"`
	Type       int    `json:"type" yaml:"type"`
	PeriodName string `json:"period_name,omitempty" yaml:"period_name"`
	PassName   string `json:"pass_name,omitempty" yaml:"pass_name"`
	Provenance string `json:"provenance,omitempty" yaml:"provenance"`
}

// DefaultProvenance is used when an activity does not declare one.
const DefaultProvenance = "qc"

// Matches reports whether a stored object's activity satisfies the query
// activity. Zero-valued query fields act as wildcards.
func (a Activity) Matches(stored Activity) bool {
	if a.ID != 0 && a.ID != stored.ID {
		return false
	}
	if a.Type != 0 && a.Type != stored.Type {
		return false
	}
	if a.PeriodName != "" && a.PeriodName != stored.PeriodName {
		return false
	}
	if a.PassName != "" && a.PassName != stored.PassName {
		return false
	}
	return true
}

// String renders the activity for logs.
func (a Activity) String() string {
	return "run " + strconv.Itoa(a.ID) + " type " + strconv.Itoa(a.Type)
}
