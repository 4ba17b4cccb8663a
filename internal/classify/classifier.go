// Package classify decides how a submitted message is handled before any
// network call: quick-analytics answers, task creation, memory saves, or
// general chat. Rules are an ordered chain evaluated first-match-wins.
package classify

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lunarc/aika/internal/backend"
	"github.com/lunarc/aika/internal/health"
	"github.com/lunarc/aika/internal/logger"
	"github.com/lunarc/aika/internal/store"
	"github.com/lunarc/aika/internal/textutil"
)

// Kind identifies the branch a message was routed to
type Kind int

const (
	// KindChat hands the message to the chat turn controller
	KindChat Kind = iota
	// KindAnalytics answered synchronously from the cached dataset
	KindAnalytics
	// KindTask created a structured task
	KindTask
	// KindMemory saved a memory record
	KindMemory
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindAnalytics:
		return "analytics"
	case KindTask:
		return "task"
	case KindMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// TaskCategories is the fixed vocabulary handed to the parsing collaborator
var TaskCategories = []string{"personal", "work", "health", "shopping", "errand", "home"}

// Result is the outcome of classifying one message. For KindChat the caller
// starts a chat turn; for every other kind the message was fully handled here
// and Reply is the synchronous answer or confirmation.
type Result struct {
	Kind   Kind
	Rule   string
	Reply  string
	IsErr  bool
	Spoken bool
}

// TaskParser parses free text into a structured task
type TaskParser interface {
	ParseTask(ctx context.Context, text string, categories []string) (*backend.ParsedTask, error)
}

// Speaker plays a confirmation out loud
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Persister is the subset of the store the classifier writes through
type Persister interface {
	CreateTask(ctx context.Context, task *store.Task) error
	CreateMemory(ctx context.Context, mem *store.MemoryRecord) error
}

// Rule is one predicate+handler pair in the chain
type Rule struct {
	Name   string
	Match  func(text string) bool
	Handle func(ctx context.Context, text string) *Result
}

// Classifier evaluates the ordered rule chain
type Classifier struct {
	rules []Rule
	log   *logger.Logger
}

// Options configures the default rule chain
type Options struct {
	Dataset *health.Dataset
	Parser  TaskParser
	Store   Persister
	Speaker Speaker
	// VoiceEnabled speaks confirmations through the Speaker when set
	VoiceEnabled bool
	// OnMemorySaved surfaces a new memory to the retrieved-memories view
	OnMemorySaved func(*store.MemoryRecord)
}

var (
	lastWeightRe = regexp.MustCompile(`(?i)\b(last|latest)\s+weight\b`)
	lastBPRe     = regexp.MustCompile(`(?i)\b(last|latest)\s+((am|morning)\s+)?blood\s+pressure\b`)
	avgSleepRe   = regexp.MustCompile(`(?i)\baverage\s+sleep\s+(this\s+)?(week|month)\b`)

	taskTriggerRe = regexp.MustCompile(`(?i)^(add|create|insert|schedule|remind me to|note|put)\s+(a )?(task|todo|reminder)?\s*`)

	// Ordered longest-first so "remember that" wins over "remember"
	memoryTriggers = []string{"remember that", "remember", "save this", "note this"}
)

// New builds a classifier with the default rule chain. Order is significant:
// quick-analytics always wins over task and memory triggers, and everything
// falls through to general chat.
func New(opts Options) *Classifier {
	c := &Classifier{log: logger.Global().WithPrefix("classify")}

	c.rules = []Rule{
		{
			Name:   "quick-analytics",
			Match:  func(text string) bool { return matchAnalytics(text) },
			Handle: func(ctx context.Context, text string) *Result { return handleAnalytics(opts.Dataset, text) },
		},
		{
			Name:   "task-create",
			Match:  func(text string) bool { return taskTriggerRe.MatchString(text) },
			Handle: func(ctx context.Context, text string) *Result { return c.handleTask(ctx, opts, text) },
		},
		{
			Name:   "memory-save",
			Match:  func(text string) bool { _, _, ok := matchMemoryTrigger(text); return ok },
			Handle: func(ctx context.Context, text string) *Result { return c.handleMemory(ctx, opts, text) },
		},
		{
			Name:  "chat",
			Match: func(string) bool { return true },
			Handle: func(ctx context.Context, text string) *Result {
				return &Result{Kind: KindChat, Rule: "chat"}
			},
		},
	}

	return c
}

// Rules returns the chain in evaluation order
func (c *Classifier) Rules() []Rule {
	return c.rules
}

// Classify runs the chain over the raw user text. The final chat rule always
// matches, so Classify never returns nil.
func (c *Classifier) Classify(ctx context.Context, text string) *Result {
	trimmed := strings.TrimSpace(text)
	for _, rule := range c.rules {
		if rule.Match(trimmed) {
			c.log.Debug("Message matched rule %s", rule.Name)
			res := rule.Handle(ctx, trimmed)
			res.Rule = rule.Name
			return res
		}
	}
	return &Result{Kind: KindChat, Rule: "chat"}
}

func matchAnalytics(text string) bool {
	return lastWeightRe.MatchString(text) || lastBPRe.MatchString(text) || avgSleepRe.MatchString(text)
}

// handleAnalytics answers synchronously from the cached dataset. No network
// call and no turn object is created.
func handleAnalytics(ds *health.Dataset, text string) *Result {
	res := &Result{Kind: KindAnalytics}

	switch {
	case lastWeightRe.MatchString(text):
		if s, ok := ds.LastWeight(); ok {
			res.Reply = health.FormatWeight(s)
		} else {
			res.Reply = "I don't have any weight readings yet."
			res.IsErr = true
		}

	case lastBPRe.MatchString(text):
		m := lastBPRe.FindStringSubmatch(text)
		morning := m[3] != ""
		if s, ok := ds.LastBloodPressure(morning); ok {
			res.Reply = health.FormatBloodPressure(s)
		} else {
			res.Reply = "I don't have any blood pressure readings yet."
			res.IsErr = true
		}

	case avgSleepRe.MatchString(text):
		m := avgSleepRe.FindStringSubmatch(text)
		period := strings.ToLower(m[2])
		since := time.Now().AddDate(0, 0, -7)
		if period == "month" {
			since = time.Now().AddDate(0, -1, 0)
		}
		if avg, ok := ds.AverageSleep(since); ok {
			res.Reply = health.FormatAverageSleep(avg, period)
		} else {
			res.Reply = fmt.Sprintf("I don't have any sleep records for this %s.", period)
			res.IsErr = true
		}
	}

	return res
}

// handleTask strips the trigger prefix, parses the remainder into a
// structured task, persists it and confirms
func (c *Classifier) handleTask(ctx context.Context, opts Options, text string) *Result {
	prefix := taskTriggerRe.FindString(text)
	content := strings.TrimSpace(text[len(prefix):])

	if content == "" {
		return &Result{
			Kind:  KindTask,
			Reply: `What should the task say? Try "add a task pick up the dry cleaning".`,
			IsErr: true,
		}
	}

	parsed, err := opts.Parser.ParseTask(ctx, content, TaskCategories)
	if err != nil {
		c.log.Error("Task parsing failed: %v", err)
		return &Result{
			Kind:  KindTask,
			Reply: "I couldn't understand that task. Please try rephrasing it.",
			IsErr: true,
		}
	}

	task := &store.Task{
		Title:    parsed.Title,
		Category: parsed.Category,
		Notes:    parsed.Notes,
	}
	if parsed.DueAt != "" {
		if due, err := time.Parse(time.RFC3339, parsed.DueAt); err == nil {
			task.DueAt = due
		}
	}

	if err := opts.Store.CreateTask(ctx, task); err != nil {
		c.log.Error("Failed to persist task: %v", err)
		return &Result{
			Kind:  KindTask,
			Reply: "Something went wrong saving that task.",
			IsErr: true,
		}
	}

	reply := fmt.Sprintf("Added task: %s", task.Title)
	if task.Category != "" {
		reply = fmt.Sprintf("Added %s task: %s", task.Category, task.Title)
	}

	return c.confirm(ctx, opts, &Result{Kind: KindTask, Reply: reply})
}

// handleMemory strips the first matching trigger phrase, persists a memory
// record and confirms with the derived name
func (c *Classifier) handleMemory(ctx context.Context, opts Options, text string) *Result {
	trigger, content, _ := matchMemoryTrigger(text)

	if content == "" {
		return &Result{
			Kind:  KindMemory,
			Reply: `What should I remember? Try "remember that the gate code is 4312".`,
			IsErr: true,
		}
	}

	mem := &store.MemoryRecord{
		Name:       memoryName(trigger, content),
		Content:    content,
		Tags:       "chat",
		Importance: 5,
	}

	if err := opts.Store.CreateMemory(ctx, mem); err != nil {
		c.log.Error("Failed to persist memory: %v", err)
		return &Result{
			Kind:  KindMemory,
			Reply: "Something went wrong saving that memory.",
			IsErr: true,
		}
	}

	if opts.OnMemorySaved != nil {
		opts.OnMemorySaved(mem)
	}

	reply := fmt.Sprintf("Got it, I'll remember \"%s\".", mem.Name)
	return c.confirm(ctx, opts, &Result{Kind: KindMemory, Reply: reply})
}

// confirm optionally speaks a confirmation through the TTS collaborator
func (c *Classifier) confirm(ctx context.Context, opts Options, res *Result) *Result {
	if opts.VoiceEnabled && opts.Speaker != nil {
		if err := opts.Speaker.Speak(ctx, res.Reply); err != nil {
			c.log.Warn("Failed to speak confirmation: %v", err)
		} else {
			res.Spoken = true
		}
	}
	return res
}

// matchMemoryTrigger finds the first trigger phrase prefixing the text and
// returns the trigger and the remaining content
func matchMemoryTrigger(text string) (trigger, content string, ok bool) {
	lower := strings.ToLower(text)
	for _, t := range memoryTriggers {
		if lower == t {
			return t, "", true
		}
		if strings.HasPrefix(lower, t+" ") {
			return t, strings.TrimSpace(text[len(t):]), true
		}
	}
	return "", "", false
}

// memoryName derives a short name from the memory content. The name budget
// is six words counted over the original phrase, so the trigger words come
// out of the budget: "remember that my dentist is Dr. Lee" names the memory
// "my dentist is Dr.".
func memoryName(trigger, content string) string {
	budget := 6 - textutil.WordCount(trigger)
	if budget < 1 {
		budget = 1
	}
	return textutil.FirstWords(content, budget)
}
