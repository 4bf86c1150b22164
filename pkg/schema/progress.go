package schema

// StepStatus is the outcome class of a single executor step.
type StepStatus string

const (
	// StepRunning is reserved in the wire union for consumers that surface
	// in-flight steps. The executor resolves every step to completed or
	// interrupted; streamed output travels through the progress hub instead.
	StepRunning     StepStatus = "running"
	StepCompleted   StepStatus = "completed"
	StepInterrupted StepStatus = "interrupted"
)

// Stage classifies a progress record independently of the originating block
// category. A judge block, for example, may emit both an llm and a skill
// stage record.
type Stage string

const (
	StageLLM    Stage = "llm"
	StageSkill  Stage = "skill"
	StageAssign Stage = "assign"
)

// SkillInfo describes the skill call behind a skill-stage record. External
// monitoring consumes this shape byte-for-byte; field names are stable.
type SkillInfo struct {
	SkillType string         `json:"skill_type"`
	SkillName string         `json:"skill_name"`
	Args      map[string]any `json:"args,omitempty"`
	Checked   bool           `json:"checked"`
}

// Interrupt is the pause descriptor attached to an interrupted StepResult.
// Callers branch only on Type, never on error classes.
type Interrupt struct {
	Type   InterruptType `json:"type"`
	Handle *ResumeHandle `json:"handle"`
}

// StepResult is the per-step value emitted by the executor and streamed to
// callers. It is transient: consumed immediately, never persisted.
type StepResult struct {
	Status    StepStatus `json:"status"`
	Stage     Stage      `json:"stage"`
	Block     int        `json:"block"`
	Answer    string     `json:"answer,omitempty"`
	Partial   bool       `json:"partial,omitempty"`
	SkillInfo *SkillInfo `json:"skill_info,omitempty"`
	Interrupt *Interrupt `json:"interrupt,omitempty"`
}

// Interrupted reports whether the step paused the frame.
func (r *StepResult) Interrupted() bool { return r.Status == StepInterrupted }

// Progress is the closed union of stage-tagged progress records published to
// the streaming hub. Exactly three implementations exist: LLMProgress,
// SkillProgress and AssignProgress.
type Progress interface {
	ProgressStage() Stage
	progress()
}

// LLMProgress reports streamed model output for one block.
type LLMProgress struct {
	Block   int    `json:"block"`
	Delta   string `json:"delta,omitempty"`
	Answer  string `json:"answer,omitempty"`
	Partial bool   `json:"partial"`
}

func (LLMProgress) ProgressStage() Stage { return StageLLM }
func (LLMProgress) progress()            {}

// SkillProgress reports a skill invocation for one block.
type SkillProgress struct {
	Block int       `json:"block"`
	Info  SkillInfo `json:"skill_info"`
}

func (SkillProgress) ProgressStage() Stage { return StageSkill }
func (SkillProgress) progress()            {}

// AssignProgress reports a variable assignment for one block.
type AssignProgress struct {
	Block    int    `json:"block"`
	Variable string `json:"variable"`
	Value    any    `json:"value,omitempty"`
}

func (AssignProgress) ProgressStage() Stage { return StageAssign }
func (AssignProgress) progress()            {}
