package repl

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jimiagent/jimi/internal/domain/approval"
	"github.com/jimiagent/jimi/internal/domain/service"
	"github.com/jimiagent/jimi/internal/infrastructure/eventbus"
	"go.uber.org/zap"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorCyan   = "\033[36m"
	colorYellow = "\033[33m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// defaultMaxSteps bounds a REPL turn when Config.MaxSteps is unset.
const defaultMaxSteps = 25

// REPL is the interactive shell driving the Step Engine (spec.md §4.7)
// directly, rather than the legacy ProcessMessageUseCase path — the one
// observer this tree wires onto the Wire to resolve approval requests
// interactively.
type REPL struct {
	engine       *service.StepEngine
	wire         eventbus.Wire
	logger       *zap.Logger
	systemPrompt string
	maxSteps     int
	currentModel string
	userName     string
}

// Config configures a REPL instance.
type Config struct {
	DefaultModel string
	UserName     string
	SystemPrompt string
	MaxSteps     int
}

// New creates a REPL driving engine, observing approvalRequest/progress
// events on wire.
func New(engine *service.StepEngine, wire eventbus.Wire, logger *zap.Logger, cfg Config) *REPL {
	model := cfg.DefaultModel
	if model == "" {
		model = "default"
	}
	userName := cfg.UserName
	if userName == "" {
		userName = "user"
	}
	maxSteps := cfg.MaxSteps
	if maxSteps == 0 {
		maxSteps = defaultMaxSteps
	}

	return &REPL{
		engine:       engine,
		wire:         wire,
		logger:       logger,
		systemPrompt: cfg.SystemPrompt,
		maxSteps:     maxSteps,
		currentModel: model,
		userName:     userName,
	}
}

// Run starts the REPL loop
func (r *REPL) Run(ctx context.Context) error {
	r.printBanner()

	sub := r.wire.Subscribe(32)
	defer r.wire.Unsubscribe(sub.ID)
	go r.watchWire(sub.Events)

	scanner := bufio.NewScanner(os.Stdin)
	// Allow long input lines
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Printf("%s%s> %s", colorGreen, r.userName, colorReset)

		if !scanner.Scan() {
			// EOF or error
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		// Handle built-in commands
		if handled, shouldExit := r.handleCommand(input); handled {
			if shouldExit {
				return nil
			}
			continue
		}

		if err := r.processMessage(ctx, input); err != nil {
			fmt.Printf("%sError: %v%s\n", colorYellow, err, colorReset)
			r.logger.Error("REPL message processing failed", zap.Error(err))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}

	fmt.Println("\nGoodbye!")
	return nil
}

// watchWire prints step-loop progress as it happens and prompts the user
// for every approval request the Arbiter raises (spec.md §4.3) — the
// interactive counterpart to a YOLO-mode auto-approval.
func (r *REPL) watchWire(events <-chan eventbus.Event) {
	for ev := range events {
		switch ev.Type() {
		case eventbus.EventToolCall:
			if p, ok := ev.Payload().(eventbus.ToolCallPayload); ok {
				fmt.Printf("%s  -> %s%s\n", colorGray, p.Name, colorReset)
			}
		case eventbus.EventCompactionBegin:
			fmt.Printf("%s  (compacting context...)%s\n", colorGray, colorReset)
		case eventbus.EventApprovalRequest:
			p, ok := ev.Payload().(eventbus.ApprovalRequestPayload)
			if !ok {
				continue
			}
			r.promptApproval(p)
		}
	}
}

// promptApproval blocks on stdin for a single y/n/a decision, matching the
// Arbiter's three-way Response (spec.md §4.3).
func (r *REPL) promptApproval(p eventbus.ApprovalRequestPayload) {
	fmt.Printf("\n%sApproval requested: %s%s\n", colorYellow, p.Action, colorReset)
	if p.Description != "" {
		fmt.Printf("  %s\n", p.Description)
	}
	fmt.Printf("%s[y]es once / [a]lways this session / [n]o: %s", colorYellow, colorReset)

	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "a", "always":
		p.Resolve(string(approval.ApproveForSession))
	case "y", "yes", "":
		p.Resolve(string(approval.ApproveOnce))
	default:
		p.Resolve(string(approval.Reject))
	}
}

// handleCommand processes built-in REPL commands
// Returns (handled, shouldExit)
func (r *REPL) handleCommand(input string) (bool, bool) {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return false, false
	}

	cmd := strings.ToLower(parts[0])

	switch cmd {
	case "/exit", "/quit", "/q":
		fmt.Println("Goodbye!")
		return true, true

	case "/model":
		if len(parts) > 1 {
			r.currentModel = parts[1]
			fmt.Printf("%s✓ Model switched to: %s%s\n", colorCyan, r.currentModel, colorReset)
		} else {
			fmt.Printf("%sCurrent model: %s%s\n", colorCyan, r.currentModel, colorReset)
		}
		return true, false

	case "/status":
		fmt.Printf("%s── Status ──%s\n", colorCyan, colorReset)
		fmt.Printf("  Model:     %s\n", r.currentModel)
		fmt.Printf("  User:      %s\n", r.userName)
		fmt.Printf("  Max steps: %d\n", r.maxSteps)
		return true, false

	case "/help":
		r.printHelp()
		return true, false

	default:
		return false, false
	}
}

// processMessage drives one turn through the Step Engine, which persists
// the exchange to the Context Store itself — the REPL owns no history of
// its own (spec.md §4.2/§4.7).
func (r *REPL) processMessage(ctx context.Context, input string) error {
	startTime := time.Now()
	result, err := r.engine.Run(ctx, r.systemPrompt, input, r.maxSteps)
	elapsed := time.Since(startTime)
	if err != nil {
		return err
	}

	finalText := strings.TrimSpace(result.FinalContent)
	if finalText == "" {
		fmt.Printf("%s(empty response)%s\n", colorGray, colorReset)
		return nil
	}

	fmt.Printf("\n%s%sAssistant%s\n", colorBold, colorCyan, colorReset)
	fmt.Println(finalText)
	fmt.Printf("%s(%d steps, %d tokens, %s)%s\n\n",
		colorGray, result.TotalSteps, result.TotalTokens, elapsed.Round(time.Millisecond), colorReset)

	return nil
}

// printBanner displays the REPL welcome message
func (r *REPL) printBanner() {
	fmt.Printf("\n%s%s================================%s\n", colorBold, colorCyan, colorReset)
	fmt.Printf("%s%s          jimi REPL              %s\n", colorBold, colorCyan, colorReset)
	fmt.Printf("%s%s================================%s\n", colorBold, colorCyan, colorReset)
	fmt.Printf("%sModel: %s | Type /help for commands%s\n\n", colorGray, r.currentModel, colorReset)
}

// printHelp displays available commands
func (r *REPL) printHelp() {
	fmt.Printf("\n%s── Commands ──%s\n", colorCyan, colorReset)
	fmt.Println("  /model [name] Show or switch current model")
	fmt.Println("  /status       Show current session status")
	fmt.Println("  /help         Show this help")
	fmt.Println("  /exit         Exit REPL")
	fmt.Println()
}
