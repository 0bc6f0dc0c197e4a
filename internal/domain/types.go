// Package domain defines the core types for the lesson-plan workflow engine.
package domain

// Stage is one step of the five-stage lesson-plan sequence.
type Stage string

const (
	StageScenario        Stage = "scenario"
	StageDrivingQuestion Stage = "driving_question"
	StageQuestionChain   Stage = "question_chain"
	StageActivity        Stage = "activity"
	StageExperiment      Stage = "experiment"
)

// StartFromTopic begins a task at the first stage of the full sequence.
const StartFromTopic = "topic"

// AllStages is the canonical stage order.
var AllStages = []Stage{
	StageScenario,
	StageDrivingQuestion,
	StageQuestionChain,
	StageActivity,
	StageExperiment,
}

var stageLabels = map[Stage]string{
	StageScenario:        "Scenario",
	StageDrivingQuestion: "Driving Question",
	StageQuestionChain:   "Question Chain",
	StageActivity:        "Activity",
	StageExperiment:      "Experiment",
}

// Label returns the human-readable stage name.
func (s Stage) Label() string {
	if l, ok := stageLabels[s]; ok {
		return l
	}
	return string(s)
}

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	_, ok := stageLabels[s]
	return ok
}

// ArtifactStatus is the lifecycle state of a stage's content.
type ArtifactStatus string

const (
	ArtifactEmpty   ArtifactStatus = "empty"
	ArtifactPending ArtifactStatus = "pending"
	ArtifactValid   ArtifactStatus = "valid"
	ArtifactLocked  ArtifactStatus = "locked"
	ArtifactInvalid ArtifactStatus = "invalid"
)

// Committed reports whether the status counts toward completion.
func (s ArtifactStatus) Committed() bool {
	return s == ArtifactValid || s == ArtifactLocked
}

// ContentSource records who produced an artifact's content.
type ContentSource string

const (
	SourceNone       ContentSource = ""
	SourceGenerated  ContentSource = "generated"
	SourceUserEdited ContentSource = "user_edited"
)

// Artifact is the content held for one stage of a task.
type Artifact struct {
	Stage         Stage          `json:"stage"`
	Content       string         `json:"content"`
	Status        ArtifactStatus `json:"status"`
	Version       int            `json:"version"`
	Source        ContentSource  `json:"source"`
	UpdatedAtUnix int64          `json:"updated_at_unix"`
}

// Candidate is one generated option for a stage.
type Candidate struct {
	ID        string `json:"id"`
	Stage     Stage  `json:"stage"`
	Content   string `json:"content"`
	Rationale string `json:"rationale,omitempty"`
}

// CandidateRound is the single active set of options for a stage.
type CandidateRound struct {
	Stage      Stage       `json:"stage"`
	Round      int         `json:"round"`
	Candidates []Candidate `json:"candidates"`
	SelectedID string      `json:"selected_id,omitempty"`
}

// TaskStatus is the coarse lifecycle of a task.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
)

// EnginePhase is the state-machine position of a task.
type EnginePhase string

const (
	PhaseInitializing     EnginePhase = "initializing"
	PhaseGenerating       EnginePhase = "generating"
	PhaseAwaitingDecision EnginePhase = "awaiting_decision"
	PhaseCompleted        EnginePhase = "completed"
)

// TaskConfig is the creation-time configuration of a task.
type TaskConfig struct {
	UserInput        string           `json:"user_input" yaml:"user_input"`
	Topic            string           `json:"topic" yaml:"topic"`
	GradeLevel       string           `json:"grade_level" yaml:"grade_level"`
	DurationMinutes  int              `json:"duration_minutes" yaml:"duration_minutes"`
	ClassroomContext string           `json:"classroom_context,omitempty" yaml:"classroom_context"`
	StartFrom        string           `json:"start_from" yaml:"start_from"`
	Seeds            map[Stage]string `json:"seeds,omitempty" yaml:"seeds"`
	HITLEnabled      bool             `json:"hitl_enabled" yaml:"hitl_enabled"`
	CascadeEnabled   bool             `json:"cascade_enabled" yaml:"cascade_enabled"`
	MultiCandidate   bool             `json:"multi_candidate" yaml:"multi_candidate"`
	OptionCount      int              `json:"option_count" yaml:"option_count"`
	AutoAdvance      bool             `json:"auto_advance" yaml:"auto_advance"`
}

// MessageType classifies entries in a task's message log.
type MessageType string

const (
	MessageStatus      MessageType = "status"
	MessageExplanation MessageType = "explanation"
	MessageAction      MessageType = "action"
	MessageToolStatus  MessageType = "tool_status"
)

// Message is one append-only entry in a task's message log.
type Message struct {
	ID            string      `json:"id"`
	TaskID        string      `json:"task_id"`
	Seq           int64       `json:"seq"`
	Type          MessageType `json:"type"`
	Stage         Stage       `json:"stage,omitempty"`
	Text          string      `json:"text"`
	CreatedAtUnix int64       `json:"created_at_unix"`
}

// Task is the full in-memory state of one lesson-plan session.
type Task struct {
	TaskID         string                    `json:"task_id"`
	Config         TaskConfig                `json:"config"`
	Stages         []Stage                   `json:"stages"`
	Status         TaskStatus                `json:"status"`
	Phase          EnginePhase               `json:"phase"`
	CurrentStage   Stage                     `json:"current_stage,omitempty"`
	AwaitingUser   bool                      `json:"awaiting_user"`
	Artifacts      map[Stage]*Artifact       `json:"artifacts"`
	Pools          map[Stage]*CandidateRound `json:"pools"`
	Locked         map[Stage]bool            `json:"locked"`
	Regenerations  map[Stage]int             `json:"regenerations"`
	IterationCount int                       `json:"iteration_count"`
	LastError      string                    `json:"last_error,omitempty"`
	Messages       []Message                 `json:"messages"`
	LastMessageSeq int64                     `json:"last_message_seq"`
	StateVersion   int64                     `json:"state_version"`
	CreatedAtUnix  int64                     `json:"created_at_unix"`
	UpdatedAtUnix  int64                     `json:"updated_at_unix"`
}

// InScope reports whether s is one of the task's required stages.
func (t *Task) InScope(s Stage) bool {
	for _, st := range t.Stages {
		if st == s {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Stages = append([]Stage(nil), t.Stages...)
	c.Config.Seeds = cloneSeeds(t.Config.Seeds)
	c.Artifacts = make(map[Stage]*Artifact, len(t.Artifacts))
	for s, a := range t.Artifacts {
		cp := *a
		c.Artifacts[s] = &cp
	}
	c.Pools = make(map[Stage]*CandidateRound, len(t.Pools))
	for s, p := range t.Pools {
		cp := *p
		cp.Candidates = append([]Candidate(nil), p.Candidates...)
		c.Pools[s] = &cp
	}
	c.Locked = make(map[Stage]bool, len(t.Locked))
	for s, v := range t.Locked {
		c.Locked[s] = v
	}
	c.Regenerations = make(map[Stage]int, len(t.Regenerations))
	for s, v := range t.Regenerations {
		c.Regenerations[s] = v
	}
	c.Messages = append([]Message(nil), t.Messages...)
	return &c
}

func cloneSeeds(in map[Stage]string) map[Stage]string {
	if in == nil {
		return nil
	}
	out := make(map[Stage]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ActionType names a human or system action applied to a task.
type ActionType string

const (
	ActionStart           ActionType = "start"
	ActionContinue        ActionType = "continue"
	ActionAccept          ActionType = "accept"
	ActionRegenerate      ActionType = "regenerate"
	ActionSelectCandidate ActionType = "select_candidate"
	ActionEdit            ActionType = "edit"
	ActionReset           ActionType = "reset"
)

// Action is the tagged union of operations accepted by the engine.
// Fields irrelevant to Type are ignored.
type Action struct {
	Type        ActionType `json:"action"`
	Feedback    string     `json:"feedback,omitempty"`
	TargetStage Stage      `json:"target_stage,omitempty"`
	CandidateID string     `json:"candidate_id,omitempty"`
	Stage       Stage      `json:"stage,omitempty"`
	Content     string     `json:"content,omitempty"`
	// Cascade overrides the task's cascade default for edit when set.
	Cascade *bool `json:"cascade,omitempty"`
}

// StageInputs is the generation context assembled for one stage.
type StageInputs struct {
	Topic            string           `json:"topic"`
	GradeLevel       string           `json:"grade_level"`
	DurationMinutes  int              `json:"duration_minutes"`
	ClassroomContext string           `json:"classroom_context,omitempty"`
	UserInput        string           `json:"user_input,omitempty"`
	Upstream         map[Stage]string `json:"upstream,omitempty"`
	Feedback         string           `json:"feedback,omitempty"`
	// Avoid lists contents of the superseded round so new options differ.
	Avoid []string `json:"avoid,omitempty"`
}

// GenerationRequest asks the gateway for options for one stage.
type GenerationRequest struct {
	TaskID      string      `json:"task_id"`
	Stage       Stage       `json:"stage"`
	Inputs      StageInputs `json:"inputs"`
	OptionCount int         `json:"option_count"`
}

// GateDecision is the result of evaluating whether a stage may be committed.
type GateDecision struct {
	Allow    bool
	Blockers []string
}

// RegenAction is the governor's verdict on another regeneration round.
type RegenAction string

const (
	RegenContinue RegenAction = "continue"
	RegenWarn     RegenAction = "warn"
	RegenHalt     RegenAction = "halt"
)

// PlanSnapshot is a stored export of a completed plan.
type PlanSnapshot struct {
	ID            int64
	TaskID        string
	StateVersion  int64
	SnapshotJSON  string
	Checksum      string
	CreatedAtUnix int64
}

// ActionRecord is one entry of a task's persisted action history.
type ActionRecord struct {
	ID            string
	TaskID        string
	Action        ActionType
	Stage         Stage
	RequestJSON   string
	Outcome       string
	ErrorCode     int
	StateVersion  int64
	CreatedAtUnix int64
}
