// Package engine implements the step executor: the single-writer loop that
// advances a frame one block at a time, streams model output, invokes
// skills, applies assignments and pauses on interrupts.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/rendis/blockflow/internal/bridge"
	"github.com/rendis/blockflow/internal/expressions"
	"github.com/rendis/blockflow/internal/logging"
	"github.com/rendis/blockflow/internal/model"
	"github.com/rendis/blockflow/internal/runctx"
	"github.com/rendis/blockflow/internal/skills"
	"github.com/rendis/blockflow/internal/snapshot"
	"github.com/rendis/blockflow/internal/streaming"
	"github.com/rendis/blockflow/pkg/schema"
)

// ErrTerminated is returned when a termination request is observed at a
// suspension point. Termination is not a failure; callers stop streaming
// and finalize the session.
var ErrTerminated = schema.NewError(schema.ErrCodeCancelled, "execution terminated")

// maxExploreRounds bounds the generate/invoke loop of an explore block.
const maxExploreRounds = 8

// Config assembles an Executor.
type Config struct {
	Store    snapshot.Store
	Producer model.Producer
	Invoker  skills.Invoker
	Hub      streaming.ProgressHub
	Logger   *slog.Logger
}

// Executor advances frames block by block. It owns no goroutines: every
// call runs on the caller's flow, which is what makes the cooperative
// interrupt model sound. One Executor serves many frames.
type Executor struct {
	store    snapshot.Store
	producer model.Producer
	invoker  skills.Invoker
	hub      streaming.ProgressHub
	fsm      *FrameFSM
	expr     *expressions.ExprEngine
	jq       *expressions.GoJQEngine
	cel      *expressions.CELEngine
	logger   *slog.Logger
}

// New creates an Executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "executor requires a store")
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:    cfg.Store,
		producer: cfg.Producer,
		invoker:  cfg.Invoker,
		hub:      cfg.Hub,
		fsm:      NewFrameFSM(cfg.Store),
		expr:     expressions.NewExprEngine(),
		jq:       expressions.NewGoJQEngine(),
		cel:      cel,
		logger:   logger,
	}, nil
}

// FSM exposes the frame FSM for lifecycle callers.
func (e *Executor) FSM() *FrameFSM { return e.fsm }

// Store exposes the backing store for lifecycle callers.
func (e *Executor) Store() snapshot.Store { return e.store }

// ExecuteNext runs the block at the frame pointer. It returns a completed
// StepResult and advances the pointer, or an interrupted StepResult leaving
// the pointer in place, or an error after moving the frame to a terminal
// status. A nil bridge disables external interrupt delivery.
func (e *Executor) ExecuteNext(ctx context.Context, fr *Frame, br *bridge.Bridge) (*schema.StepResult, error) {
	if fr.Exhausted() {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"frame %s has no block at position %d", fr.ID, fr.Pointer)
	}
	if fr.Status != schema.FrameRunning {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"frame %s is %s, not running", fr.ID, fr.Status)
	}

	ctx = logging.WithFrameID(ctx, fr.ID)
	ctx = logging.WithBlock(ctx, fr.Pointer)

	blk := fr.Program.At(fr.Pointer)

	// Suspension point: before the block starts.
	if err := e.checkpoint(ctx, fr, br); err != nil {
		return nil, err
	}
	if fr.Context.InterruptRequested() {
		return e.pause(ctx, fr, br, schema.UserInterrupt, stageOf(blk), "", nil, false)
	}

	e.emit(ctx, fr, fr.Pointer, schema.EventBlockStarted, map[string]any{"category": string(blk.Category)})

	var (
		result *schema.StepResult
		err    error
	)
	switch blk.Category {
	case schema.BlockPrompt:
		result, err = e.execLLM(ctx, fr, br, blk, schema.SourceLLM)
	case schema.BlockJudge:
		result, err = e.execJudge(ctx, fr, br, blk)
	case schema.BlockExplore:
		result, err = e.execExplore(ctx, fr, br, blk)
	case schema.BlockTool:
		result, err = e.execTool(ctx, fr, br, blk)
	case schema.BlockAssign:
		result, err = e.execAssign(ctx, fr, blk)
	default:
		err = schema.NewErrorf(schema.ErrCodeValidation,
			"unknown block category %q", blk.Category).WithBlock(fr.Pointer)
	}

	if err != nil {
		if err == ErrTerminated {
			return nil, err
		}
		return nil, e.fail(ctx, fr, err)
	}

	if result.Interrupted() {
		return result, nil
	}

	// Block done: continuation (if any) is consumed, pointer advances.
	fr.Interrupt = nil
	fr.Pointer++
	e.emit(ctx, fr, result.Block, schema.EventBlockCompleted, nil)

	if fr.Exhausted() {
		if err := e.fsm.Transition(ctx, fr.ID, schema.FrameRunning, schema.FrameCompleted); err != nil {
			return nil, err
		}
		fr.Status = schema.FrameCompleted
	}
	if err := e.store.SaveFrame(ctx, fr.Record()); err != nil {
		return nil, err
	}

	return result, nil
}

// checkpoint drains the bridge, raising the interrupt flag or terminating
// the frame. Called at every suspension point.
func (e *Executor) checkpoint(ctx context.Context, fr *Frame, br *bridge.Bridge) error {
	if br == nil {
		return nil
	}
	for {
		req, ok := br.Poll()
		if !ok {
			return nil
		}
		switch req.Kind {
		case bridge.RequestInterrupt:
			fr.Context.RequestInterrupt(req.At)
			e.emit(ctx, fr, fr.Pointer, schema.EventInterruptRequested, nil)
		case bridge.RequestTerminate:
			return e.Terminate(ctx, fr)
		}
	}
}

// Terminate forces the frame into TERMINATED and reports ErrTerminated.
func (e *Executor) Terminate(ctx context.Context, fr *Frame) error {
	if fr.Status.Terminal() {
		return ErrTerminated
	}
	if err := e.fsm.Transition(ctx, fr.ID, fr.Status, schema.FrameTerminated); err != nil {
		return err
	}
	fr.Status = schema.FrameTerminated
	fr.WaitReason = schema.WaitNone
	fr.ActiveToken = ""
	if err := e.store.SaveFrame(ctx, fr.Record()); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "frame terminated", "frame_id", fr.ID, "block", fr.Pointer)
	return ErrTerminated
}

// --- llm-backed blocks ---

// execLLM runs a prompt-style block: render the content, stream the model,
// write the answer variable.
func (e *Executor) execLLM(ctx context.Context, fr *Frame, br *bridge.Bridge, blk *schema.Block, src schema.VariableSource) (*schema.StepResult, error) {
	var (
		prefix       string
		resumeValues map[string]any
	)
	if fr.Interrupt != nil && fr.Interrupt.Block == fr.Pointer {
		// A continuation for this block is pending. Tool interrupts re-arm
		// the stream with the prefix and answers; user interrupts append
		// the operator input and restart on a fresh stream.
		started := fr.Interrupt.Started
		var restarted bool
		var err error
		prefix, resumeValues, restarted, err = e.armContinuation(ctx, fr, blk)
		if err != nil {
			return nil, err
		}
		// A pause that hit before the block began never appended the
		// prompt; a restart must run it in full.
		if restarted && !started {
			if err := e.appendPrompt(fr, blk); err != nil {
				return nil, err
			}
		}
	} else if err := e.appendPrompt(fr, blk); err != nil {
		return nil, err
	}

	answer, paused, err := e.generate(ctx, fr, br, blk, prefix, resumeValues)
	if err != nil || paused != nil {
		return paused, err
	}

	fr.Context.Append("assistant", answer)
	if blk.Output != "" {
		e.writeVar(ctx, fr, runctx.Variable{Name: blk.Output, Value: answer, Source: src})
	}
	e.publish(ctx, fr, schema.LLMProgress{Block: fr.Pointer, Answer: answer})

	return &schema.StepResult{
		Status: schema.StepCompleted,
		Stage:  schema.StageLLM,
		Block:  fr.Pointer,
		Answer: answer,
	}, nil
}

// appendPrompt renders the block content against the pool and appends it to
// the history as the user turn.
func (e *Executor) appendPrompt(fr *Frame, blk *schema.Block) error {
	if blk.Content == "" {
		return nil
	}
	rendered, err := expressions.Render(blk.Content, fr.Context.Pool())
	if err != nil {
		return asFlowError(err, schema.ErrCodeValidation).WithBlock(fr.Pointer)
	}
	if rendered != "" {
		fr.Context.Append("user", rendered)
	}
	return nil
}

// armContinuation inspects the pending interrupt continuation for the
// current block. For tool interrupts it returns the streamed prefix and the
// operator answers; for user interrupts it appends the operator message and
// reports a restart.
func (e *Executor) armContinuation(ctx context.Context, fr *Frame, blk *schema.Block) (prefix string, resumeValues map[string]any, restarted bool, err error) {
	if fr.Interrupt == nil || fr.Interrupt.Block != fr.Pointer {
		return "", nil, false, nil
	}
	spec := fr.TakePending()

	switch fr.Interrupt.Type {
	case schema.ToolInterrupt:
		prefix = fr.Interrupt.Partial
		if spec != nil {
			resumeValues = spec.Answers
		}
		if resumeValues == nil {
			resumeValues = map[string]any{}
		}
		return prefix, resumeValues, false, nil

	case schema.UserInterrupt:
		input := fr.Interrupt.Keystrokes
		if spec != nil && spec.Message != "" {
			if input != "" {
				input += "\n"
			}
			input += spec.Message
		}
		if input != "" {
			fr.Context.Append("user", input)
		}
		return "", nil, true, nil
	}
	return "", nil, false, nil
}

// generate streams one producer call, polling the bridge per chunk. It
// returns the final answer, or a pause result when an interrupt fires
// mid-stream.
func (e *Executor) generate(ctx context.Context, fr *Frame, br *bridge.Bridge, blk *schema.Block, prefix string, resumeValues map[string]any) (string, *schema.StepResult, error) {
	if e.producer == nil {
		return "", nil, schema.NewError(schema.ErrCodeModel, "no producer configured").WithBlock(fr.Pointer)
	}

	req := model.Request{
		Model:        blk.Params.Model,
		Messages:     toModelMessages(fr.Context.Messages()),
		Prefix:       prefix,
		ResumeValues: resumeValues,
	}

	// The stream must not outlive this call: a pause or termination that
	// aborts the loop would otherwise leave the producer goroutine blocked
	// on its next send.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, errs := e.producer.Generate(ctx, req)

	acc := prefix
	for {
		// A producer that closes both channels without a Done chunk ends the
		// stream with whatever accumulated.
		if chunks == nil && errs == nil {
			return acc, nil, nil
		}
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if chunk.Done {
				if chunk.Answer != "" {
					return chunk.Answer, nil, nil
				}
				return acc, nil, nil
			}
			acc += chunk.Delta
			e.publish(ctx, fr, schema.LLMProgress{Block: fr.Pointer, Delta: chunk.Delta, Partial: true})

			// Suspension point: after every streamed unit.
			if err := e.checkpoint(ctx, fr, br); err != nil {
				return "", nil, err
			}
			if fr.Context.InterruptRequested() {
				if acc != "" {
					fr.Context.AppendPartial("assistant", acc)
				}
				paused, perr := e.pause(ctx, fr, br, schema.UserInterrupt, schema.StageLLM, acc, nil, true)
				return "", paused, perr
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if ti, is := skills.AsToolInterrupt(err); is {
				paused, perr := e.pause(ctx, fr, br, schema.ToolInterrupt, schema.StageLLM, acc,
					&pendingSkill{name: ti.Skill, args: ti.Args, wanted: ti.Wanted}, true)
				return "", paused, perr
			}
			return "", nil, asFlowError(err, schema.ErrCodeModel).WithBlock(fr.Pointer)
		}
	}
}

// execJudge evaluates a judge block. With a condition it is a deterministic
// CEL verdict; without one it delegates to the model like a prompt block.
func (e *Executor) execJudge(ctx context.Context, fr *Frame, br *bridge.Bridge, blk *schema.Block) (*schema.StepResult, error) {
	if blk.Params.Condition == "" {
		return e.execLLM(ctx, fr, br, blk, schema.SourceLLM)
	}

	// A resumed pre-block pause carries operator input; it lands in the
	// history even though the verdict itself never reads it.
	if fr.Interrupt != nil && fr.Interrupt.Block == fr.Pointer && fr.Interrupt.Type == schema.UserInterrupt {
		if _, _, _, err := e.armContinuation(ctx, fr, blk); err != nil {
			return nil, err
		}
	}

	verdict, err := e.cel.EvaluateBool(ctx, blk.Params.Condition, fr.Context.Pool())
	if err != nil {
		return nil, asFlowError(err, schema.ErrCodeExecution).WithBlock(fr.Pointer)
	}

	if blk.Output != "" {
		e.writeVar(ctx, fr, runctx.Variable{Name: blk.Output, Value: verdict, Source: schema.SourceOther})
		e.publish(ctx, fr, schema.AssignProgress{Block: fr.Pointer, Variable: blk.Output, Value: verdict})
	}

	return &schema.StepResult{
		Status: schema.StepCompleted,
		Stage:  schema.StageAssign,
		Block:  fr.Pointer,
		Answer: strconv.FormatBool(verdict),
	}, nil
}

// execExplore runs the generate/invoke loop: the model may answer with a
// skill directive, the executor runs the allow-listed skill and feeds the
// result back, until a plain answer arrives.
func (e *Executor) execExplore(ctx context.Context, fr *Frame, br *bridge.Bridge, blk *schema.Block) (*schema.StepResult, error) {
	// A tool interrupt raised by an explore skill re-arms here: the
	// pending call runs first, then the loop continues.
	if fr.Interrupt != nil && fr.Interrupt.Block == fr.Pointer && fr.Interrupt.Type == schema.ToolInterrupt {
		spec := fr.TakePending()
		args := mergeArgs(fr.Interrupt.SkillArgs, spec)
		info := fr.Interrupt
		fr.Interrupt = nil
		if paused, err := e.invokeExploreSkill(ctx, fr, br, blk, info.SkillName, args); paused != nil || err != nil {
			return paused, err
		}
	} else if fr.Interrupt != nil && fr.Interrupt.Block == fr.Pointer {
		// User interrupt: restart the block with the operator input.
		started := fr.Interrupt.Started
		if _, _, _, err := e.armContinuation(ctx, fr, blk); err != nil {
			return nil, err
		}
		if !started {
			if err := e.appendPrompt(fr, blk); err != nil {
				return nil, err
			}
		}
	} else if err := e.appendPrompt(fr, blk); err != nil {
		return nil, err
	}

	for round := 0; round < maxExploreRounds; round++ {
		answer, paused, err := e.generate(ctx, fr, br, blk, "", nil)
		if err != nil || paused != nil {
			return paused, err
		}
		fr.Context.Append("assistant", answer)

		name, args, isDirective := parseSkillDirective(answer)
		if !isDirective {
			if blk.Output != "" {
				e.writeVar(ctx, fr, runctx.Variable{Name: blk.Output, Value: answer, Source: schema.SourceExplore})
			}
			e.publish(ctx, fr, schema.LLMProgress{Block: fr.Pointer, Answer: answer})
			return &schema.StepResult{
				Status: schema.StepCompleted,
				Stage:  schema.StageLLM,
				Block:  fr.Pointer,
				Answer: answer,
			}, nil
		}

		if !allowListed(blk.Params.AllowList, name) {
			e.publish(ctx, fr, schema.SkillProgress{Block: fr.Pointer, Info: schema.SkillInfo{
				SkillType: "explore", SkillName: name, Args: args, Checked: false,
			}})
			return nil, schema.NewErrorf(schema.ErrCodeSkill,
				"skill %q is not in the block allow-list", name).WithBlock(fr.Pointer)
		}

		if paused, err := e.invokeExploreSkill(ctx, fr, br, blk, name, args); paused != nil || err != nil {
			return paused, err
		}
	}

	return nil, schema.NewErrorf(schema.ErrCodeExecution,
		"explore block exceeded %d skill rounds", maxExploreRounds).WithBlock(fr.Pointer)
}

// invokeExploreSkill runs one allow-listed skill inside an explore loop and
// appends its result to the history as a tool turn.
func (e *Executor) invokeExploreSkill(ctx context.Context, fr *Frame, br *bridge.Bridge, blk *schema.Block, name string, args map[string]any) (*schema.StepResult, error) {
	sk := &pendingSkill{name: name, args: args}

	// Suspension point: before the skill call.
	if err := e.checkpoint(ctx, fr, br); err != nil {
		return nil, err
	}
	if fr.Context.InterruptRequested() {
		return e.pause(ctx, fr, br, schema.UserInterrupt, schema.StageSkill, "", sk, true)
	}

	value, err := e.invoke(ctx, name, args)
	if err != nil {
		if ti, is := skills.AsToolInterrupt(err); is {
			sk.wanted = ti.Wanted
			return e.pause(ctx, fr, br, schema.ToolInterrupt, schema.StageSkill, "", sk, true)
		}
		return nil, asFlowError(err, schema.ErrCodeSkill).WithBlock(fr.Pointer)
	}

	info := schema.SkillInfo{SkillType: "explore", SkillName: name, Args: args, Checked: true}
	e.publish(ctx, fr, schema.SkillProgress{Block: fr.Pointer, Info: info})
	fr.Context.Append("tool", toText(value))
	return nil, nil
}

// --- tool blocks ---

func (e *Executor) execTool(ctx context.Context, fr *Frame, br *bridge.Bridge, blk *schema.Block) (*schema.StepResult, error) {
	if blk.Params.Skill == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tool block has no skill").WithBlock(fr.Pointer)
	}

	var args map[string]any
	continuing := fr.Interrupt != nil && fr.Interrupt.Block == fr.Pointer

	switch {
	case continuing && fr.Interrupt.Type == schema.ToolInterrupt:
		// Re-arm the pending call with the operator answers merged in.
		args = mergeArgs(fr.Interrupt.SkillArgs, fr.TakePending())
	case continuing && fr.Interrupt.Type == schema.UserInterrupt:
		if _, _, _, err := e.armContinuation(ctx, fr, blk); err != nil {
			return nil, err
		}
		fallthrough
	default:
		var err error
		args, err = expressions.RenderArgs(blk.Params.Args, fr.Context.Pool())
		if err != nil {
			return nil, asFlowError(err, schema.ErrCodeValidation).WithBlock(fr.Pointer)
		}
	}

	sk := &pendingSkill{name: blk.Params.Skill, args: args}

	// Suspension point: before the skill call.
	if err := e.checkpoint(ctx, fr, br); err != nil {
		return nil, err
	}
	if fr.Context.InterruptRequested() {
		return e.pause(ctx, fr, br, schema.UserInterrupt, schema.StageSkill, "", sk, true)
	}

	value, err := e.invoke(ctx, blk.Params.Skill, args)
	if err != nil {
		if ti, is := skills.AsToolInterrupt(err); is {
			sk.wanted = ti.Wanted
			return e.pause(ctx, fr, br, schema.ToolInterrupt, schema.StageSkill, "", sk, true)
		}
		return nil, asFlowError(err, schema.ErrCodeSkill).WithBlock(fr.Pointer)
	}

	info := schema.SkillInfo{SkillType: "tool", SkillName: blk.Params.Skill, Args: args, Checked: true}
	if blk.Output != "" {
		e.writeVar(ctx, fr, runctx.Variable{
			Name:      blk.Output,
			Value:     value,
			Source:    schema.SourceSkill,
			SkillInfo: &info,
		})
	}
	e.publish(ctx, fr, schema.SkillProgress{Block: fr.Pointer, Info: info})

	return &schema.StepResult{
		Status:    schema.StepCompleted,
		Stage:     schema.StageSkill,
		Block:     fr.Pointer,
		Answer:    toText(value),
		SkillInfo: &info,
	}, nil
}

func (e *Executor) invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	if e.invoker == nil {
		return nil, schema.NewError(schema.ErrCodeSkill, "no skill invoker configured")
	}
	return e.invoker.Invoke(ctx, name, args)
}

// --- assign blocks ---

func (e *Executor) execAssign(ctx context.Context, fr *Frame, blk *schema.Block) (*schema.StepResult, error) {
	// A resumed pre-block pause carries operator input for the history.
	if fr.Interrupt != nil && fr.Interrupt.Block == fr.Pointer && fr.Interrupt.Type == schema.UserInterrupt {
		if _, _, _, err := e.armContinuation(ctx, fr, blk); err != nil {
			return nil, err
		}
	}

	var engine expressions.Engine = e.expr
	if blk.Params.Engine == "jq" {
		engine = e.jq
	}

	value, err := engine.Evaluate(ctx, blk.Content, fr.Context.Pool())
	if err != nil {
		return nil, asFlowError(err, schema.ErrCodeExecution).WithBlock(fr.Pointer)
	}

	if blk.Output != "" {
		e.writeVar(ctx, fr, runctx.Variable{Name: blk.Output, Value: value, Source: schema.SourceAssign})
	}
	e.publish(ctx, fr, schema.AssignProgress{Block: fr.Pointer, Variable: blk.Output, Value: value})

	return &schema.StepResult{
		Status: schema.StepCompleted,
		Stage:  schema.StageAssign,
		Block:  fr.Pointer,
		Answer: toText(value),
	}, nil
}

// --- shared plumbing ---

func (e *Executor) fail(ctx context.Context, fr *Frame, cause error) error {
	e.emit(ctx, fr, fr.Pointer, schema.EventBlockFailed, map[string]any{"error": cause.Error()})
	if terr := e.fsm.Transition(ctx, fr.ID, fr.Status, schema.FrameFailed); terr != nil {
		e.logger.WarnContext(ctx, "frame fail transition rejected", "frame_id", fr.ID, "error", terr)
	} else {
		fr.Status = schema.FrameFailed
		if serr := e.store.SaveFrame(ctx, fr.Record()); serr != nil {
			e.logger.WarnContext(ctx, "persist failed frame", "frame_id", fr.ID, "error", serr)
		}
	}
	e.logger.ErrorContext(ctx, "block failed",
		"frame_id", fr.ID, "block", fr.Pointer, "error", cause)
	return cause
}

func (e *Executor) writeVar(ctx context.Context, fr *Frame, v runctx.Variable) {
	fr.Context.SetVar(v)
	e.emit(ctx, fr, fr.Pointer, schema.EventVariableWritten, map[string]any{
		"name":   v.Name,
		"source": string(v.Source),
	})
}

// emit appends a best-effort event to the frame log.
func (e *Executor) emit(ctx context.Context, fr *Frame, block int, eventType string, payload map[string]any) {
	event := &snapshot.Event{FrameID: fr.ID, Block: block, Type: eventType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err == nil {
			event.Payload = raw
		}
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "append event", "frame_id", fr.ID, "event_type", eventType, "error", err)
	}
}

// publish sends a best-effort progress record to the hub.
func (e *Executor) publish(ctx context.Context, fr *Frame, record schema.Progress) {
	if e.hub == nil {
		return
	}
	event := streaming.ProgressEvent{
		SessionID: fr.SessionID,
		FrameID:   fr.ID,
		Stage:     record.ProgressStage(),
		Record:    record,
	}
	if err := e.hub.Publish(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "publish progress", "frame_id", fr.ID, "error", err)
	}
}

// --- helpers ---

func stageOf(blk *schema.Block) schema.Stage {
	switch blk.Category {
	case schema.BlockTool:
		return schema.StageSkill
	case schema.BlockAssign:
		return schema.StageAssign
	case schema.BlockJudge:
		if blk.Params.Condition != "" {
			return schema.StageAssign
		}
		return schema.StageLLM
	default:
		return schema.StageLLM
	}
}

func toModelMessages(history []runctx.Message) []model.Message {
	out := make([]model.Message, 0, len(history))
	for _, m := range history {
		out = append(out, model.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func mergeArgs(base map[string]any, spec *schema.InterruptSpec) map[string]any {
	merged := make(map[string]any, len(base))
	for k, v := range base {
		merged[k] = v
	}
	if spec != nil {
		for k, v := range spec.Answers {
			merged[k] = v
		}
	}
	return merged
}

// parseSkillDirective recognizes a model answer of the form
// {"skill": "name", "args": {...}} as a skill invocation request.
func parseSkillDirective(answer string) (string, map[string]any, bool) {
	trimmed := strings.TrimSpace(answer)
	if !strings.HasPrefix(trimmed, "{") {
		return "", nil, false
	}
	var directive struct {
		Skill string         `json:"skill"`
		Args  map[string]any `json:"args"`
	}
	if err := json.Unmarshal([]byte(trimmed), &directive); err != nil || directive.Skill == "" {
		return "", nil, false
	}
	if directive.Args == nil {
		directive.Args = map[string]any{}
	}
	return directive.Skill, directive.Args, true
}

func allowListed(list []string, name string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}

func toText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

// asFlowError normalizes an error into a FlowError with a fallback code.
func asFlowError(err error, code string) *schema.FlowError {
	if fe, ok := err.(*schema.FlowError); ok {
		return fe
	}
	return schema.NewError(code, err.Error()).WithCause(err)
}
