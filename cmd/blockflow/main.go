// blockflow runs a block program from a JSON file, streaming step results
// to stdout. Type "i" plus an optional message and press enter to raise a
// user interrupt; the program pauses, prints the resume handle and resumes
// with the text you supply.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rendis/blockflow/internal/engine"
	"github.com/rendis/blockflow/internal/logging"
	"github.com/rendis/blockflow/internal/model"
	"github.com/rendis/blockflow/internal/scheduler"
	"github.com/rendis/blockflow/internal/session"
	"github.com/rendis/blockflow/internal/skills"
	"github.com/rendis/blockflow/internal/snapshot"
	"github.com/rendis/blockflow/internal/streaming"
	"github.com/rendis/blockflow/pkg/schema"
)

func main() {
	var (
		programPath = flag.String("program", "", "path to a program JSON file")
		dbPath      = flag.String("db", "", "libSQL database path (empty = in-memory store)")
		anthropic   = flag.Bool("anthropic", false, "use the Anthropic producer (needs ANTHROPIC_API_KEY)")
		modelName   = flag.String("model", "", "default model for llm blocks")
		logLevel    = flag.String("log-level", "warn", "log level: debug, info, warn, error")
	)
	flag.Parse()

	if *programPath == "" {
		fmt.Fprintln(os.Stderr, "usage: blockflow -program <file.json> [-db <path>] [-anthropic]")
		os.Exit(2)
	}

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	if err := run(*programPath, *dbPath, *anthropic, *modelName, logger); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(programPath, dbPath string, useAnthropic bool, modelName string, logger *slog.Logger) error {
	ctx := context.Background()

	program, err := loadProgram(programPath)
	if err != nil {
		return err
	}
	if modelName != "" {
		for i := range program.Blocks {
			if program.Blocks[i].Params.Model == "" {
				program.Blocks[i].Params.Model = modelName
			}
		}
	}

	store, err := openStore(ctx, dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	retention, err := scheduler.NewRetention(store, "", 0, logger)
	if err != nil {
		return err
	}
	if err := retention.Start(ctx); err != nil {
		return err
	}
	defer retention.Stop()

	invoker := skills.NewRetryInvoker(demoSkills(), skills.RetryPolicy{
		MaxAttempts: 3,
		Delay:       500 * time.Millisecond,
		Backoff:     "exponential",
		MaxDelay:    5 * time.Second,
	})

	exec, err := engine.New(engine.Config{
		Store:    store,
		Producer: model.NewBreakerProducer(newProducer(useAnthropic), model.DefaultBreakerConfig()),
		Invoker:  invoker,
		Hub:      streaming.NewMemoryHub(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	mgr := session.NewManager(exec, logger)
	s := mgr.Create()

	// One reader owns stdin: lines are interpreted as interrupt commands
	// while the session runs and as resume input while it is paused.
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()

	events, err := s.Start(ctx, program, nil)
	if err != nil {
		return err
	}

	for {
		handle, err := drain(s, events, lines)
		if err != nil {
			return err
		}
		if handle == nil {
			fmt.Printf("session %s: %s\n", s.ID(), s.State())
			return nil
		}

		fmt.Printf("paused (%s) at block %d\n", handle.InterruptType, handle.CurrentBlock)
		fmt.Print("resume input> ")
		input, ok := <-lines
		if !ok {
			return s.Terminate(ctx)
		}
		spec := resumeSpec(handle, input)

		events, err = s.Resume(ctx, handle, spec)
		if err != nil {
			return err
		}
	}
}

// drain consumes one step stream, forwarding "i" lines as user interrupts.
// It returns the resume handle when the frame paused, or nil when it ended.
func drain(s *session.Session, events <-chan session.StepEvent, lines <-chan string) (*schema.ResumeHandle, error) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, nil
			}
			if ev.Err != nil {
				return nil, ev.Err
			}
			printStep(ev.Result)
			if ev.Result.Interrupted() {
				return ev.Result.Interrupt.Handle, nil
			}
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			handleCommand(s, line)
		}
	}
}

func handleCommand(s *session.Session, line string) {
	if line != "i" && !strings.HasPrefix(line, "i ") {
		return
	}
	if text := strings.TrimSpace(strings.TrimPrefix(line, "i")); text != "" {
		s.Keystrokes(text)
	}
	if _, err := s.Interrupt(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "interrupt: %v\n", err)
	}
}

func printStep(r *schema.StepResult) {
	switch {
	case r.Interrupted():
		fmt.Printf("[%d] %s interrupted\n", r.Block, r.Stage)
	case r.SkillInfo != nil:
		fmt.Printf("[%d] %s %s -> %s\n", r.Block, r.Stage, r.SkillInfo.SkillName, r.Answer)
	default:
		fmt.Printf("[%d] %s -> %s\n", r.Block, r.Stage, r.Answer)
	}
}

func resumeSpec(handle *schema.ResumeHandle, input string) *schema.InterruptSpec {
	if input == "" {
		return &schema.InterruptSpec{}
	}
	if handle.InterruptType == schema.UserInterrupt {
		return &schema.InterruptSpec{Message: input}
	}
	// Tool interrupts take key=value answers.
	answers := make(map[string]any)
	for _, pair := range strings.Fields(input) {
		if k, v, ok := strings.Cut(pair, "="); ok {
			answers[k] = v
		}
	}
	return &schema.InterruptSpec{Answers: answers}
}

func loadProgram(path string) (*schema.Program, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var program schema.Program
	if err := json.Unmarshal(raw, &program); err != nil {
		return nil, fmt.Errorf("parse program %s: %w", path, err)
	}
	return &program, nil
}

func openStore(ctx context.Context, dbPath string) (snapshot.Store, error) {
	if dbPath == "" {
		return snapshot.NewMemoryStore(), nil
	}
	store, err := snapshot.NewLibSQLStore(dbPath)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func newProducer(useAnthropic bool) model.Producer {
	if useAnthropic {
		return model.NewAnthropicProducer()
	}
	// Offline default: echo the prompt of every llm block.
	return model.NewScriptedProducer()
}

// demoSkills registers the built-in skill set plus a few local demo skills
// so sample programs run offline.
func demoSkills() skills.Invoker {
	reg := skills.NewRegistry()
	skills.RegisterBuiltins(reg, skills.BuiltinConfig{AllowFileWrites: true})
	reg.Register("sum", func(_ context.Context, args map[string]any) (any, error) {
		total := 0.0
		for _, v := range args {
			if n, ok := v.(float64); ok {
				total += n
			}
		}
		return total, nil
	})
	reg.Register("print", func(_ context.Context, args map[string]any) (any, error) {
		raw, _ := json.Marshal(args)
		fmt.Println(string(raw))
		return string(raw), nil
	})
	return reg
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelWarn
	}
	handler := logging.NewCorrelationHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	return slog.New(handler)
}
