// Package projection builds the client-facing read model of a task.
// Every function here is pure: the result depends only on the task
// state passed in.
package projection

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// Paths of the synthetic read-only files.
const (
	PlanMarkdownPath = "course/course_design.md"
	PlanJSONPath     = "course/course_design.json"
)

// messageTail bounds how many log entries a snapshot carries.
const messageTail = 20

// Header holds the task-level fields of a snapshot.
type Header struct {
	TaskID         string             `json:"task_id"`
	Status         domain.TaskStatus  `json:"status"`
	Phase          domain.EnginePhase `json:"phase"`
	CurrentStage   domain.Stage       `json:"current_stage"`
	AwaitingUser   bool               `json:"awaiting_user"`
	Progress       string             `json:"progress"`
	IterationCount int                `json:"iteration_count"`
	LastError      string             `json:"last_error,omitempty"`
}

// StageView is the projection of one stage artifact.
type StageView struct {
	Stage    domain.Stage          `json:"stage"`
	Label    string                `json:"label"`
	Path     string                `json:"path"`
	Status   domain.ArtifactStatus `json:"status"`
	Content  string                `json:"content"`
	Version  int                   `json:"version"`
	Source   domain.ContentSource  `json:"source,omitempty"`
	Editable bool                  `json:"editable"`
}

// CandidateView is one option of the active round.
type CandidateView struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Rationale string `json:"rationale,omitempty"`
	Selected  bool   `json:"selected"`
}

// CandidateSet is the active round of the stage awaiting a decision.
type CandidateSet struct {
	Stage   domain.Stage    `json:"stage"`
	Round   int             `json:"round"`
	Options []CandidateView `json:"options"`
}

// File is a read-only aggregate view.
type File struct {
	Path     string `json:"path"`
	Language string `json:"language"`
	Content  string `json:"content"`
}

// ConfigSummary echoes the creation settings of a task.
type ConfigSummary struct {
	Topic           string `json:"topic"`
	GradeLevel      string `json:"grade_level"`
	DurationMinutes int    `json:"duration_minutes"`
	StartFrom       string `json:"start_from"`
	HITLEnabled     bool   `json:"hitl_enabled"`
	CascadeEnabled  bool   `json:"cascade_enabled"`
	MultiCandidate  bool   `json:"multi_candidate"`
	OptionCount     int    `json:"option_count"`
}

// Snapshot is the full read model of a task.
type Snapshot struct {
	Header
	StateVersion    int64            `json:"state_version"`
	Stages          []StageView      `json:"stages"`
	Candidates      *CandidateSet    `json:"candidates,omitempty"`
	Files           []File           `json:"files"`
	SelectedDefault string           `json:"selected_default"`
	Messages        []domain.Message `json:"messages"`
	LastMessageSeq  int64            `json:"last_message_seq"`
	Config          ConfigSummary    `json:"config"`
}

// CourseDesign is the structured form of the committed plan.
type CourseDesign struct {
	Scenario        string   `json:"scenario"`
	DrivingQuestion string   `json:"driving_question"`
	QuestionChain   []string `json:"question_chain"`
	Activity        string   `json:"activity"`
	Experiment      string   `json:"experiment"`
}

// Export is the document returned to clients that download a plan.
type Export struct {
	Metadata     ExportMetadata `json:"metadata"`
	CourseDesign CourseDesign   `json:"course_design"`
}

// ExportMetadata describes the lesson an export belongs to.
type ExportMetadata struct {
	TaskID          string `json:"task_id"`
	Topic           string `json:"topic"`
	GradeLevel      string `json:"grade_level"`
	DurationMinutes int    `json:"duration_minutes"`
	Complete        bool   `json:"complete"`
}

// Project builds the snapshot of t.
func Project(t *domain.Task) Snapshot {
	snap := Snapshot{
		Header: Header{
			TaskID:         t.TaskID,
			Status:         t.Status,
			Phase:          t.Phase,
			CurrentStage:   t.CurrentStage,
			AwaitingUser:   t.AwaitingUser,
			Progress:       Progress(t),
			IterationCount: t.IterationCount,
			LastError:      t.LastError,
		},
		StateVersion:   t.StateVersion,
		LastMessageSeq: t.LastMessageSeq,
		Config: ConfigSummary{
			Topic:           t.Config.Topic,
			GradeLevel:      t.Config.GradeLevel,
			DurationMinutes: t.Config.DurationMinutes,
			StartFrom:       t.Config.StartFrom,
			HITLEnabled:     t.Config.HITLEnabled,
			CascadeEnabled:  t.Config.CascadeEnabled,
			MultiCandidate:  t.Config.MultiCandidate,
			OptionCount:     t.Config.OptionCount,
		},
	}

	for _, s := range t.Stages {
		snap.Stages = append(snap.Stages, stageView(t, s))
	}
	snap.Candidates = candidateSet(t)

	design := BuildCourseDesign(t)
	body, _ := json.MarshalIndent(design, "", "  ")
	snap.Files = []File{
		{Path: PlanMarkdownPath, Language: "markdown", Content: PlanMarkdown(t)},
		{Path: PlanJSONPath, Language: "json", Content: string(body)},
	}

	switch {
	case t.Status == domain.TaskCompleted:
		snap.SelectedDefault = PlanMarkdownPath
	case t.CurrentStage != "":
		snap.SelectedDefault = PathForStage(t.CurrentStage)
	case len(t.Stages) > 0:
		snap.SelectedDefault = PathForStage(t.Stages[0])
	}

	msgs := t.Messages
	if len(msgs) > messageTail {
		msgs = msgs[len(msgs)-messageTail:]
	}
	snap.Messages = append([]domain.Message{}, msgs...)
	return snap
}

func stageView(t *domain.Task, s domain.Stage) StageView {
	v := StageView{Stage: s, Label: s.Label(), Path: PathForStage(s), Status: domain.ArtifactEmpty}
	a, ok := t.Artifacts[s]
	if !ok {
		return v
	}
	v.Status = a.Status
	v.Content = a.Content
	v.Version = a.Version
	v.Source = a.Source
	v.Editable = Editable(a.Status)
	return v
}

// Editable reports whether a stage in status may be edited. Only stages
// that hold or held committed content qualify.
func Editable(status domain.ArtifactStatus) bool {
	switch status {
	case domain.ArtifactValid, domain.ArtifactLocked, domain.ArtifactInvalid:
		return true
	}
	return false
}

func candidateSet(t *domain.Task) *CandidateSet {
	if t.CurrentStage == "" || !t.AwaitingUser {
		return nil
	}
	round, ok := t.Pools[t.CurrentStage]
	if !ok || len(round.Candidates) == 0 {
		return nil
	}
	set := &CandidateSet{Stage: t.CurrentStage, Round: round.Round}
	for _, c := range round.Candidates {
		set.Options = append(set.Options, CandidateView{
			ID:        c.ID,
			Content:   c.Content,
			Rationale: c.Rationale,
			Selected:  c.ID == round.SelectedID,
		})
	}
	return set
}

// Progress renders the position of the task as "i / n".
func Progress(t *domain.Task) string {
	n := len(t.Stages)
	if t.Status == domain.TaskCompleted {
		return fmt.Sprintf("%d / %d", n, n)
	}
	if t.CurrentStage != "" {
		for i, s := range t.Stages {
			if s == t.CurrentStage {
				return fmt.Sprintf("%d / %d", i+1, n)
			}
		}
	}
	done := 0
	for _, s := range t.Stages {
		if a, ok := t.Artifacts[s]; ok && a.Status.Committed() {
			done++
		}
	}
	return fmt.Sprintf("%d / %d", done, n)
}

// PathForStage returns the file path of a stage.
func PathForStage(s domain.Stage) string {
	return "course/" + string(s) + ".md"
}

// StageForPath maps a stage file path back to its stage.
func StageForPath(path string) (domain.Stage, error) {
	p := strings.TrimPrefix(strings.TrimSpace(path), "/")
	name, ok := strings.CutPrefix(p, "course/")
	if !ok {
		return "", domain.Errorf(domain.ErrUnknownStage, "path %q is not a stage file", path)
	}
	s := domain.Stage(strings.TrimSuffix(name, ".md"))
	if !s.Valid() || !strings.HasSuffix(name, ".md") {
		return "", domain.Errorf(domain.ErrUnknownStage, "path %q is not a stage file", path)
	}
	return s, nil
}

func committedContent(t *domain.Task, s domain.Stage) string {
	a, ok := t.Artifacts[s]
	if !ok || !a.Status.Committed() {
		return ""
	}
	return a.Content
}

// BuildCourseDesign collects the committed content of every stage.
func BuildCourseDesign(t *domain.Task) CourseDesign {
	return CourseDesign{
		Scenario:        committedContent(t, domain.StageScenario),
		DrivingQuestion: committedContent(t, domain.StageDrivingQuestion),
		QuestionChain:   ParseQuestionChain(committedContent(t, domain.StageQuestionChain)),
		Activity:        committedContent(t, domain.StageActivity),
		Experiment:      committedContent(t, domain.StageExperiment),
	}
}

// PlanMarkdown renders the full plan view: one section per required
// stage in sequence order, holding only committed content.
func PlanMarkdown(t *domain.Task) string {
	var b strings.Builder
	b.WriteString("# Course Design\n")
	for _, s := range t.Stages {
		b.WriteString("\n## " + s.Label() + "\n")
		content := committedContent(t, s)
		if s == domain.StageQuestionChain {
			items := ParseQuestionChain(content)
			if len(items) == 0 {
				b.WriteString("_(empty)_\n")
				continue
			}
			for _, q := range items {
				b.WriteString("- " + q + "\n")
			}
			continue
		}
		if strings.TrimSpace(content) == "" {
			b.WriteString("_(empty)_\n")
			continue
		}
		b.WriteString(strings.TrimRight(content, "\n") + "\n")
	}
	return b.String()
}

// BuildExport returns the downloadable form of t.
func BuildExport(t *domain.Task) Export {
	return Export{
		Metadata: ExportMetadata{
			TaskID:          t.TaskID,
			Topic:           t.Config.Topic,
			GradeLevel:      t.Config.GradeLevel,
			DurationMinutes: t.Config.DurationMinutes,
			Complete:        t.Status == domain.TaskCompleted,
		},
		CourseDesign: BuildCourseDesign(t),
	}
}
