/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package negotiation

import "sort"

// Candidate is one confirmed equiplet with its reported duration.
type Candidate struct {
	EquipletID string
	Duration   int64
}

// Policy orders confirmed candidates by preference.
type Policy interface {
	Rank(CandidateMap) []Candidate
}

// ShortestDuration prefers the equiplet reporting the shortest production duration, breaking
// ties by id.
type ShortestDuration struct{}

// Rank implements Policy.
func (ShortestDuration) Rank(m CandidateMap) []Candidate {
	out := make([]Candidate, 0, len(m))
	for id, d := range m {
		out = append(out, Candidate{EquipletID: id, Duration: d})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Duration != out[j].Duration {
			return out[i].Duration < out[j].Duration
		}
		return out[i].EquipletID < out[j].EquipletID
	})
	return out
}
