package annotation

import "math"

// TimeEpsilon is the tolerance used when matching a delete request against a
// stored record's time.
const TimeEpsilon = 0.001

// timeSlack absorbs binary rounding, so decimal inputs exactly TimeEpsilon
// apart (12.5 and 12.501) still match.
const timeSlack = 1e-9

// Record is one danmaku submission. Records carry no identifier; deletion
// matches on text and time.
type Record struct {
	Text      string  `json:"text"`
	Time      float64 `json:"time"`
	Position  string  `json:"position"`
	VideoLink string  `json:"videoLink,omitempty"`
}

// SameAs reports exact equality on the dedup identity (text, time, videoLink).
func (r Record) SameAs(other Record) bool {
	return r.Text == other.Text && r.Time == other.Time && r.VideoLink == other.VideoLink
}

// Matches reports whether r is the target of a delete for (time, text).
func (r Record) Matches(time float64, text string) bool {
	return r.Text == text && math.Abs(r.Time-time) < TimeEpsilon+timeSlack
}
