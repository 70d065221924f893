// Package workflow implements the per-type job executions: the ritual
// visual-DNA pipeline, magic post image generation, chat replies and
// conversation summaries. Workflows are pure with respect to job state;
// the dispatcher owns persistence and status transitions.
package workflow

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/plurapp/ai-engine/internal/ai"
	"github.com/plurapp/ai-engine/internal/ai/provider"
	"github.com/plurapp/ai-engine/internal/apperr"
	"github.com/plurapp/ai-engine/internal/domain/job"
	"github.com/plurapp/ai-engine/internal/domain/persona"
	"github.com/plurapp/ai-engine/internal/objectstore"
	"github.com/plurapp/ai-engine/internal/storage"
	"github.com/plurapp/ai-engine/pkg/logger"
)

// CancelCheck re-reads the job's current status and returns
// apperr.ErrJobCancelled when a cancellation request has landed. Workflows
// call it between expensive steps; work already paid for externally is
// never interrupted mid-call.
type CancelCheck func(ctx context.Context) error

// ProgressFunc reports coarse progress. Failures to persist progress are
// swallowed by the caller; progress is advisory.
type ProgressFunc func(ctx context.Context, percent int, stage string)

// Outcome is what a finished workflow hands back to the dispatcher.
type Outcome struct {
	Result       job.Result
	Provider     string
	Model        string
	FallbackUsed bool
}

// RunFunc executes one job to completion.
type RunFunc func(ctx context.Context, j job.Job, check CancelCheck, progress ProgressFunc) (Outcome, error)

// Engine holds the dependencies shared by every workflow.
type Engine struct {
	router   *ai.Router
	registry *ai.Registry
	objects  objectstore.Store
	personas storage.PersonaStore
	log      *logger.Logger
}

// NewEngine builds the workflow engine.
func NewEngine(router *ai.Router, registry *ai.Registry, objects objectstore.Store, personas storage.PersonaStore, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("workflow")
	}
	return &Engine{
		router:   router,
		registry: registry,
		objects:  objects,
		personas: personas,
		log:      log,
	}
}

// Runner returns the workflow for a job type. The second return is false
// for unknown types so the dispatcher can verify exhaustiveness up front.
func (e *Engine) Runner(t job.Type) (RunFunc, bool) {
	switch t {
	case job.TypeRitual:
		return e.ritual, true
	case job.TypeMagicPost:
		return e.magicPost, true
	case job.TypeChat:
		return e.chat, true
	case job.TypeSummary:
		return e.summary, true
	}
	return nil, false
}

// meta accumulates provider provenance across the calls of one workflow.
// The last provider used wins; a fallback anywhere marks the whole run.
type meta struct {
	provider string
	fallback bool
}

func (m *meta) record(cm ai.CallMeta) {
	if cm.ProviderUsed != "" {
		m.provider = cm.ProviderUsed
	}
	if cm.FallbackUsed {
		m.fallback = true
	}
}

func (e *Engine) outcome(result job.Result, m meta) Outcome {
	return Outcome{
		Result:       result,
		Provider:     m.provider,
		Model:        e.registry.ModelName(m.provider),
		FallbackUsed: m.fallback,
	}
}

// ritual analyzes the persona's reference images into a visual description,
// renders a character reference sheet from it, stores the sheet and marks
// the persona's visual profile ready.
func (e *Engine) ritual(ctx context.Context, j job.Job, check CancelCheck, progress ProgressFunc) (Outcome, error) {
	var m meta

	progress(ctx, 10, "analyzing reference images")
	refs, err := e.downloadAll(ctx, j.Params.ReferenceImageURLs)
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.CodeUnavailable, "fetching reference images", err)
	}
	if err := check(ctx); err != nil {
		return Outcome{}, err
	}

	description, cm, err := e.router.AnalyzeImage(ctx, refs[0], ritualAnalysisPrompt())
	m.record(cm)
	if err != nil {
		return Outcome{}, err
	}
	if err := check(ctx); err != nil {
		return Outcome{}, err
	}

	progress(ctx, 50, "rendering reference sheet")
	sheets, cm, err := e.router.GenerateImage(ctx, ritualRefSheetPrompt(description), provider.ImageOptions{
		Width:           2048,
		Height:          2048,
		Count:           1,
		ReferenceImages: refs,
	})
	m.record(cm)
	if err != nil {
		return Outcome{}, err
	}
	if err := check(ctx); err != nil {
		return Outcome{}, err
	}

	progress(ctx, 80, "storing artifacts")
	path := fmt.Sprintf("personas/%s/visual_dna/ref_sheet_%d.png", j.Params.PersonaID, time.Now().Unix())
	sheetURL, err := e.objects.Upload(ctx, sheets[0], path, "image/png")
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.CodeUnavailable, "storing reference sheet", err)
	}

	if _, err := e.personas.UpdateVisualProfile(ctx, j.Params.PersonaID, persona.VisualProfile{
		Description: description,
		RefSheetURL: sheetURL,
		Ready:       true,
		UpdatedAt:   time.Now().UTC(),
	}); err != nil {
		return Outcome{}, apperr.Wrap(apperr.CodeInternal, "updating persona visual profile", err)
	}

	return e.outcome(job.Result{
		VisualDescription: description,
		RefSheetURL:       sheetURL,
	}, m), nil
}

// magicPost expands the user prompt into a detailed image prompt, then
// generates the requested batch of images concurrently. The batch is
// all-or-nothing: the first failing generation cancels its siblings and
// fails the job.
func (e *Engine) magicPost(ctx context.Context, j job.Job, check CancelCheck, progress ProgressFunc) (Outcome, error) {
	var m meta

	charDesc := "an original character"
	if j.Params.PersonaID != "" {
		p, err := e.personas.GetPersona(ctx, j.Params.PersonaID)
		if err != nil {
			return Outcome{}, apperr.Wrap(apperr.CodeNotFound, "loading persona", err)
		}
		if p.Visual.Ready && p.Visual.Description != "" {
			charDesc = p.Visual.Description
		} else {
			charDesc = p.Name
		}
	}

	progress(ctx, 20, "crafting prompt")
	magicPrompt, cm, err := e.router.GenerateText(ctx,
		magicPromptExpansion(j.Params.Prompt, charDesc, j.Params.Style), nil)
	m.record(cm)
	if err != nil {
		return Outcome{}, err
	}
	if err := check(ctx); err != nil {
		return Outcome{}, err
	}

	var refs []string
	for _, u := range []string{j.Params.SceneImageURL, j.Params.PoseImageURL} {
		if u == "" {
			continue
		}
		data, err := e.objects.Download(ctx, u)
		if err != nil {
			return Outcome{}, apperr.Wrap(apperr.CodeUnavailable, "fetching reference image", err)
		}
		refs = append(refs, base64.StdEncoding.EncodeToString(data))
	}
	if err := check(ctx); err != nil {
		return Outcome{}, err
	}

	count := j.Params.ImageCount
	if count < 1 {
		count = 1
	}
	progress(ctx, 40, "generating images")

	images, cm, err := e.generateBatch(ctx, magicPrompt, count, provider.ImageOptions{
		Width:           2048,
		Height:          2048,
		Count:           1,
		Style:           j.Params.Style,
		ReferenceImages: refs,
	})
	m.record(cm)
	if err != nil {
		return Outcome{}, err
	}
	if err := check(ctx); err != nil {
		return Outcome{}, err
	}

	progress(ctx, 80, "storing artifacts")
	urls := make([]string, 0, len(images))
	for i, data := range images {
		path := fmt.Sprintf("jobs/%s/post_%d_%d.png", j.ID, i, time.Now().Unix())
		u, err := e.objects.Upload(ctx, data, path, "image/png")
		if err != nil {
			return Outcome{}, apperr.Wrap(apperr.CodeUnavailable, "storing generated image", err)
		}
		urls = append(urls, u)
	}

	return e.outcome(job.Result{
		Images:      urls,
		MagicPrompt: magicPrompt,
	}, m), nil
}

// generateBatch runs count image generations in parallel and fails fast:
// the first error cancels the remaining calls and is returned.
func (e *Engine) generateBatch(ctx context.Context, prompt string, count int, opts provider.ImageOptions) ([][]byte, ai.CallMeta, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	images := make([][]byte, count)
	metas := make([]ai.CallMeta, count)

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, cm, err := e.router.GenerateImage(ctx, prompt, opts)
			metas[i] = cm
			if err != nil {
				// First failure wins; siblings see the cancelled context.
				once.Do(func() {
					firstErr = err
					cancel()
				})
				return
			}
			images[i] = out[0]
		}(i)
	}
	wg.Wait()

	var cm ai.CallMeta
	for _, c := range metas {
		if c.ProviderUsed != "" {
			cm.ProviderUsed = c.ProviderUsed
		}
		if c.FallbackUsed {
			cm.FallbackUsed = true
		}
	}
	if firstErr != nil {
		return nil, cm, firstErr
	}
	return images, cm, nil
}

// chat produces one assistant reply for the conversation history.
func (e *Engine) chat(ctx context.Context, j job.Job, check CancelCheck, progress ProgressFunc) (Outcome, error) {
	var m meta

	if err := check(ctx); err != nil {
		return Outcome{}, err
	}
	progress(ctx, 30, "generating reply")

	var traits, recent string
	if j.Params.Context != nil {
		traits = j.Params.Context.Traits
		recent = j.Params.Context.RecentSummary
	}

	messages := make([]provider.Message, 0, len(j.Params.Messages))
	for _, msg := range j.Params.Messages {
		messages = append(messages, provider.Message{Role: msg.Role, Content: msg.Content})
	}

	reply, cm, err := e.router.Chat(ctx, messages, &provider.TextOptions{
		SystemInstruction: chatSystemPrompt(traits, recent),
	})
	m.record(cm)
	if err != nil {
		return Outcome{}, err
	}

	return e.outcome(job.Result{Message: reply}, m), nil
}

// summary condenses a conversation into a short rolling summary.
func (e *Engine) summary(ctx context.Context, j job.Job, check CancelCheck, progress ProgressFunc) (Outcome, error) {
	var m meta

	if err := check(ctx); err != nil {
		return Outcome{}, err
	}
	progress(ctx, 30, "summarizing conversation")

	text, cm, err := e.router.GenerateText(ctx, summaryPrompt(j.Params.Messages), nil)
	m.record(cm)
	if err != nil {
		return Outcome{}, err
	}

	return e.outcome(job.Result{Summary: text}, m), nil
}

// downloadAll fetches every URL and base64-encodes the payloads.
func (e *Engine) downloadAll(ctx context.Context, urls []string) ([]string, error) {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		data, err := e.objects.Download(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", u, err)
		}
		out = append(out, base64.StdEncoding.EncodeToString(data))
	}
	return out, nil
}
