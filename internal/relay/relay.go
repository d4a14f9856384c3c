// Package relay drives one chat completion through the worker pool.
//
// Every request follows the same sequence on a freshly acquired worker:
// clear the residual conversation, run the prompt, optionally fetch usage
// counters, release. The release is deferred so it runs on every exit path;
// a leaked worker would silently shrink pool capacity forever.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/gembridge/gembridge/internal/log"
	"github.com/gembridge/gembridge/internal/model"
	"github.com/gembridge/gembridge/internal/pool"
	"github.com/gembridge/gembridge/internal/worker"
)

type Relay struct {
	pool *pool.Pool
	cli  model.CLI
	tmo  model.Pool
}

func New(p *pool.Pool, cfg model.Config) *Relay {
	return &Relay{
		pool: p,
		cli:  cfg.CLI,
		tmo:  cfg.Pool,
	}
}

// Reply is the outcome of one completed chat request.
type Reply struct {
	Content string
	// Usage is nil when the stats step failed or its output could not be
	// parsed; absent, never zero.
	Usage *model.Usage
	// Diagnostics carries stderr captured alongside the prompt output.
	Diagnostics string
}

// BuildPrompt flattens the conversation into the line-oriented prompt the
// CLI understands: user message contents joined by newlines. The CLI reads
// each joined message as its own input line; because the completion marker
// is only written after the last one, the output of every line is collected
// into the single reply.
func BuildPrompt(messages []model.ChatMessage) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		if m.Role == "user" && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// Complete runs prompt on a pooled worker and returns the accumulated
// answer.
func (r *Relay) Complete(ctx context.Context, prompt string) (Reply, error) {
	return r.run(ctx, prompt, nil)
}

// Stream behaves like Complete but forwards output lines to onChunk as the
// worker reads them. onChunk is called from the caller's goroutine.
func (r *Relay) Stream(ctx context.Context, prompt string, onChunk func(string)) (Reply, error) {
	return r.run(ctx, prompt, onChunk)
}

func (r *Relay) run(ctx context.Context, prompt string, onChunk func(string)) (Reply, error) {
	actx, cancel := context.WithTimeout(ctx, r.tmo.AcquireTimeout)
	defer cancel()
	w, err := r.pool.Acquire(actx)
	if err != nil {
		return Reply{}, fmt.Errorf("acquiring worker: %w", err)
	}
	defer r.pool.Release(w)

	ctx = log.ContextAttrs(ctx, slog.String("worker_id", w.ID()))

	// A clear failure indicates a corrupted worker, not a bad prompt: the
	// deferred release retires the now-unhealthy worker and the caller may
	// retry on a fresh one.
	if _, err := w.Run(ctx, r.cli.Clear, r.tmo.ClearTimeout); err != nil {
		return Reply{}, fmt.Errorf("clearing session: %w", err)
	}

	res, err := w.Stream(ctx, prompt, r.tmo.PromptTimeout, onChunk)
	if err != nil {
		return Reply{Diagnostics: res.Diagnostics}, fmt.Errorf("running prompt: %w", err)
	}

	reply := Reply{
		Content:     res.Output,
		Diagnostics: res.Diagnostics,
		Usage:       r.usage(ctx, w),
	}
	return reply, nil
}

// usage fetches token counters via the stats command. Any failure here is
// non-fatal: the request already succeeded, usage is simply not reported.
// A timeout still marks the worker unhealthy and the deferred release
// retires it.
func (r *Relay) usage(ctx context.Context, w *worker.Worker) *model.Usage {
	if r.cli.Stats == "" {
		return nil
	}
	res, err := w.Run(ctx, r.cli.Stats, r.tmo.StatsTimeout)
	if err != nil {
		slog.WarnContext(ctx, "stats command failed, usage unavailable", "error", err)
		return nil
	}
	return ParseUsage(res.Output)
}

var (
	promptTokensRx     = regexp.MustCompile(`(?i)prompt[ _-]?tokens\D*?(\d+)`)
	completionTokensRx = regexp.MustCompile(`(?i)(?:completion|output)[ _-]?tokens\D*?(\d+)`)
	totalTokensRx      = regexp.MustCompile(`(?i)total[ _-]?tokens\D*?(\d+)`)
)

// ParseUsage extracts token counters from free-form stats output. Returns
// nil unless at least one counter was found; a missing total is derived
// from the other two.
func ParseUsage(out string) *model.Usage {
	match := func(rx *regexp.Regexp) (int, bool) {
		m := rx.FindStringSubmatch(out)
		if m == nil {
			return 0, false
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, false
		}
		return n, true
	}

	prompt, okP := match(promptTokensRx)
	completion, okC := match(completionTokensRx)
	total, okT := match(totalTokensRx)
	if !okP && !okC && !okT {
		return nil
	}
	if !okT {
		total = prompt + completion
	}
	return &model.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
	}
}
