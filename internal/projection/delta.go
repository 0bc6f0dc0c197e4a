package projection

import (
	"reflect"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// Delta carries the parts of a snapshot that changed between two
// committed states. A delta with Full set replaces the client's copy.
type Delta struct {
	TaskID            string           `json:"task_id"`
	StateVersion      int64            `json:"state_version"`
	Full              *Snapshot        `json:"full,omitempty"`
	Header            *Header          `json:"header,omitempty"`
	Stages            []StageView      `json:"stages,omitempty"`
	CandidatesChanged bool             `json:"candidates_changed,omitempty"`
	Candidates        *CandidateSet    `json:"candidates,omitempty"`
	Files             []File           `json:"files,omitempty"`
	SelectedDefault   string           `json:"selected_default,omitempty"`
	Messages          []domain.Message `json:"messages,omitempty"`
}

// FullDelta wraps a snapshot as a replacing delta.
func FullDelta(s Snapshot) Delta {
	return Delta{TaskID: s.TaskID, StateVersion: s.StateVersion, Full: &s}
}

// Diff returns the changes from prev to next. A nil prev, or one whose
// stage list differs, yields a full delta.
func Diff(prev *Snapshot, next Snapshot) Delta {
	if prev == nil || len(prev.Stages) != len(next.Stages) {
		return FullDelta(next)
	}
	d := Delta{TaskID: next.TaskID, StateVersion: next.StateVersion}

	if prev.Header != next.Header {
		h := next.Header
		d.Header = &h
	}
	for i, s := range next.Stages {
		if prev.Stages[i] != s {
			d.Stages = append(d.Stages, s)
		}
	}
	if !reflect.DeepEqual(prev.Candidates, next.Candidates) {
		d.CandidatesChanged = true
		d.Candidates = next.Candidates
	}
	for i, f := range next.Files {
		if i >= len(prev.Files) || prev.Files[i] != f {
			d.Files = append(d.Files, f)
		}
	}
	if prev.SelectedDefault != next.SelectedDefault {
		d.SelectedDefault = next.SelectedDefault
	}
	for _, m := range next.Messages {
		if m.Seq > prev.LastMessageSeq {
			d.Messages = append(d.Messages, m)
		}
	}
	return d
}

// Empty reports whether the delta carries no change.
func (d Delta) Empty() bool {
	return d.Full == nil && d.Header == nil && len(d.Stages) == 0 && !d.CandidatesChanged &&
		len(d.Files) == 0 && d.SelectedDefault == "" && len(d.Messages) == 0
}
