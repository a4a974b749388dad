package domain

import "encoding/json"

// TagSelector selects devices whose tag set contains every tag listed.
// It replaces the string-built SQL filters of earlier revisions with a typed
// predicate evaluated uniformly across database dialects.
type TagSelector []string

func (s TagSelector) Empty() bool { return len(s) == 0 }

// Matches reports whether deviceTags is a superset of the selector.
func (s TagSelector) Matches(deviceTags []string) bool {
	if len(s) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(deviceTags))
	for _, t := range deviceTags {
		set[t] = struct{}{}
	}
	for _, want := range s {
		if _, ok := set[want]; !ok {
			return false
		}
	}
	return true
}

// MatchesJSON evaluates the selector against a raw JSON tag array as stored
// on the device row. Malformed or empty tag payloads match only the empty
// selector.
func (s TagSelector) MatchesJSON(raw []byte) bool {
	if len(s) == 0 {
		return true
	}
	if len(raw) == 0 {
		return false
	}
	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return false
	}
	return s.Matches(tags)
}
