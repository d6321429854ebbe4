package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/basket/gatekeep/internal/approval"
	"github.com/basket/gatekeep/internal/shared"
)

const (
	statusSchema ArgSchema = `{
		"type": "object",
		"properties": {"verbose": {"type": "boolean"}},
		"additionalProperties": false
	}`
	helpSchema ArgSchema = `{
		"type": "object",
		"properties": {"topic": {"type": "string", "maxLength": 64}},
		"additionalProperties": false
	}`
	echoSchema ArgSchema = `{
		"type": "object",
		"required": ["text"],
		"properties": {"text": {"type": "string", "maxLength": 2000}},
		"additionalProperties": false
	}`
)

// StatusFunc reports gate health as flat key/value pairs.
type StatusFunc func(ctx context.Context) (map[string]any, error)

// System answers status, help and echo requests.
type System struct {
	version string
	status  StatusFunc
	help    map[string]string
}

func NewSystem(version string, status StatusFunc) *System {
	return &System{
		version: version,
		status:  status,
		help: map[string]string{
			"status": "Show gate health: database, policy version and pending reviews.",
			"help":   "List what the gate can do.",
			"memory": `Say "remember that ..." to stage a memory for manual review.`,
			"review": "Pending memories are approved or rejected with `gatekeep memory approve|reject`.",
		},
	}
}

func (s *System) Name() string { return "system" }

func (s *System) Capabilities() map[string]ArgSchema {
	return map[string]ArgSchema{
		"status": statusSchema,
		"help":   helpSchema,
		"echo":   echoSchema,
	}
}

func (s *System) Execute(ctx context.Context, action string, args map[string]any, a approval.Approval) (Result, error) {
	return s.ExecuteStream(ctx, action, args, a, nil)
}

func (s *System) ExecuteStream(ctx context.Context, action string, args map[string]any, _ approval.Approval, emit func(string)) (Result, error) {
	switch action {
	case "status":
		return s.runStatus(ctx, boolArg(args, "verbose", false), emit)
	case "help":
		return s.runHelp(stringArg(args, "topic"), emit)
	case "echo":
		return s.runEcho(ctx, stringArg(args, "text"), emit)
	default:
		return Result{}, shared.ValidationError("tools.system", "unknown action %q", action)
	}
}

func (s *System) runStatus(ctx context.Context, verbose bool, emit func(string)) (Result, error) {
	data := map[string]any{"version": s.version}
	if s.status != nil {
		extra, err := s.status(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("collect status: %w", err)
		}
		for k, v := range extra {
			data[k] = v
		}
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		if !verbose && strings.HasPrefix(k, "debug.") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		line := fmt.Sprintf("%s: %v", k, data[k])
		lines = append(lines, line)
		if emit != nil {
			emit(line + "\n")
		}
	}
	return Result{Output: strings.Join(lines, "\n"), Data: data}, nil
}

func (s *System) runHelp(topic string, emit func(string)) (Result, error) {
	topic = strings.ToLower(strings.TrimSpace(topic))
	if topic != "" {
		text, ok := s.help[topic]
		if !ok {
			return Result{}, shared.ValidationError("tools.system", "no help for topic %q", topic)
		}
		if emit != nil {
			emit(text)
		}
		return Result{Output: text}, nil
	}
	topics := make([]string, 0, len(s.help))
	for k := range s.help {
		topics = append(topics, k)
	}
	sort.Strings(topics)
	var b strings.Builder
	for _, k := range topics {
		line := fmt.Sprintf("%s - %s\n", k, s.help[k])
		b.WriteString(line)
		if emit != nil {
			emit(line)
		}
	}
	return Result{Output: strings.TrimRight(b.String(), "\n"), Data: map[string]any{"topics": topics}}, nil
}

// runEcho streams text one word at a time and stops early if ctx ends.
func (s *System) runEcho(ctx context.Context, text string, emit func(string)) (Result, error) {
	words := strings.Fields(text)
	for i, w := range words {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if emit != nil {
			if i > 0 {
				w = " " + w
			}
			emit(w)
		}
	}
	return Result{Output: strings.Join(words, " ")}, nil
}
