// Command demo runs a three-step article pipeline end to end on in-memory
// stores: a transform seeds the brief, a selection suspends the run, the
// program answers it, and an LLM module drafts the opener. Set
// ANTHROPIC_API_KEY or OPENAI_API_KEY to draft with a real provider;
// otherwise a scripted offline model is used.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"goa.design/clue/log"

	anthropicmodel "github.com/loomworks/loom/features/model/anthropic"
	"github.com/loomworks/loom/features/model/middleware"
	openaimodel "github.com/loomworks/loom/features/model/openai"
	"github.com/loomworks/loom/modules/llm"
	"github.com/loomworks/loom/modules/selection"
	"github.com/loomworks/loom/modules/transform"
	branchinmem "github.com/loomworks/loom/runtime/branch/inmem"
	eventinmem "github.com/loomworks/loom/runtime/event/inmem"
	"github.com/loomworks/loom/runtime/executor"
	"github.com/loomworks/loom/runtime/model"
	"github.com/loomworks/loom/runtime/module"
	runinmem "github.com/loomworks/loom/runtime/run/inmem"
	"github.com/loomworks/loom/runtime/service"
	"github.com/loomworks/loom/runtime/state"
	"github.com/loomworks/loom/runtime/stream"
	"github.com/loomworks/loom/runtime/subaction"
	usageinmem "github.com/loomworks/loom/runtime/usage/inmem"
	"github.com/loomworks/loom/runtime/version"
	versioninmem "github.com/loomworks/loom/runtime/version/inmem"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	svc, err := buildService(ctx)
	if err != nil {
		log.Errorf(ctx, err, "failed to assemble engine")
		os.Exit(1)
	}

	res, err := svc.Start(ctx, service.StartParams{
		UserID:       "demo-user",
		ProjectName:  "demo",
		TemplateName: "article-demo",
		Content:      definition(),
		SourceType:   version.SourceJSON,
	})
	if err != nil {
		log.Errorf(ctx, err, "start failed")
		os.Exit(1)
	}
	if res.Outcome == nil || res.Outcome.Kind != executor.OutcomeAwaitingInput {
		log.Fatalf(ctx, fmt.Errorf("unexpected outcome"), "expected the run to suspend on the selection")
	}

	req := res.Outcome.Interaction
	fmt.Printf("run %s suspended: %v\n", res.RunID, req.Display["title"])
	for _, opt := range req.Options {
		fmt.Printf("  - %s\n", opt.Label)
	}

	// Watch derived state while the rest of the pipeline runs.
	states, err := svc.WatchState(ctx, res.RunID)
	if err != nil {
		log.Errorf(ctx, err, "state watch failed")
		os.Exit(1)
	}

	choice := req.Options[1]
	fmt.Printf("\nanswering with %q\n\n", choice.Label)
	res, err = svc.Respond(ctx, res.RunID, &module.Response{
		InteractionID:   req.InteractionID,
		SelectedOptions: []module.Option{choice},
	}, nil)
	if err != nil {
		log.Errorf(ctx, err, "respond failed")
		os.Exit(1)
	}

	for ev := range states {
		data, _ := json.Marshal(ev.Data)
		fmt.Printf("%-14s %s\n", ev.Type, data)
	}

	final, err := svc.State(ctx, res.RunID)
	if err != nil {
		log.Errorf(ctx, err, "state query failed")
		os.Exit(1)
	}
	events, err := svc.Events(ctx, res.RunID)
	if err != nil {
		log.Errorf(ctx, err, "event query failed")
		os.Exit(1)
	}

	fmt.Printf("\nstatus: %s (%d events on the branch)\n", res.Status, len(events))
	fmt.Printf("draft: %v\n", final["draft"])
	if totals, err := svc.Usage(ctx, res.RunID); err == nil && totals.TotalTokens() > 0 {
		fmt.Printf("tokens: %d prompt, %d completion over %d calls\n",
			totals.PromptTokens, totals.CompletionTokens, totals.Calls)
	}
}

// buildService assembles the engine on in-memory stores with the builtin
// transform, selection, and llm modules registered.
func buildService(ctx context.Context) (*service.Service, error) {
	events := eventinmem.New()
	branches := branchinmem.New()
	runs := runinmem.New()
	versions := versioninmem.New()
	usageStore := usageinmem.New()
	deriver := state.NewDeriver(events, branches)

	provider, client := modelClient(ctx)
	log.Print(ctx, log.KV{K: "model-provider", V: provider})
	llmModule, err := llm.New(llm.Options{
		Clients: map[string]model.Client{provider: client},
		Usage:   usageStore,
	})
	if err != nil {
		return nil, err
	}

	registry := module.NewRegistry()
	registry.MustRegister(transform.New())
	registry.MustRegister(selection.New())
	registry.MustRegister(llmModule)

	x, err := executor.New(executor.Options{
		Events:   events,
		Branches: branches,
		Runs:     runs,
		Deriver:  deriver,
		Registry: registry,
	})
	if err != nil {
		return nil, err
	}
	sa, err := subaction.NewRunner(subaction.Options{
		Events:   events,
		Branches: branches,
		Runs:     runs,
		Deriver:  deriver,
		Registry: registry,
	})
	if err != nil {
		return nil, err
	}
	mgr, err := version.NewManager(version.ManagerOptions{Store: versions})
	if err != nil {
		return nil, err
	}
	watcher, err := stream.NewWatcher(stream.WatcherOptions{Deriver: deriver, Runs: runs})
	if err != nil {
		return nil, err
	}

	return service.New(service.Options{
		Runs:       runs,
		Events:     events,
		Branches:   branches,
		Deriver:    deriver,
		Executor:   x,
		Versions:   mgr,
		SubActions: sa,
		Watcher:    watcher,
		Usage:      usageStore,
	})
}

// definition is the pipeline the demo executes.
func definition() map[string]any {
	return map[string]any{
		"workflow_id": "article-demo",
		"steps": []any{
			map[string]any{
				"step_id": "brief",
				"name":    "Brief",
				"modules": []any{map[string]any{
					"module_id": transform.ModuleID,
					"inputs": map[string]any{
						"operation": "wrap",
						"key":       "topic",
						"value":     "structured concurrency in Go",
					},
					"outputs_to_state": map[string]any{"result": "brief"},
				}},
			},
			map[string]any{
				"step_id": "angle",
				"name":    "Angle",
				"modules": []any{map[string]any{
					"module_id": selection.ModuleID,
					"inputs": map[string]any{
						"title":       "Pick the angle",
						"description": "How should the opener frame the topic?",
						"options": []any{
							"a field guide",
							"a war story",
							"a gentle introduction",
						},
					},
					"outputs_to_state": map[string]any{"selected": "angle"},
				}},
			},
			map[string]any{
				"step_id": "draft",
				"name":    "Draft",
				"modules": []any{map[string]any{
					"module_id": llm.ModuleID,
					"inputs": map[string]any{
						"system":     "You write crisp technical openers.",
						"prompt":     "Write a two-sentence opener about {{ state.brief.topic }}, framed as {{ state.angle }}.",
						"max_tokens": 300,
					},
					"outputs_to_state": map[string]any{"response": "draft"},
				}},
			},
		},
	}
}

// modelClient picks a provider from the environment, falling back to the
// scripted offline model. Real providers are wrapped in the adaptive rate
// limiter so a throttled key degrades instead of failing the pipeline.
func modelClient(ctx context.Context) (string, model.Client) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cl, err := anthropicmodel.NewFromAPIKey(key, "claude-sonnet-4-20250514")
		if err == nil {
			return cl.Provider(), limited(ctx, cl)
		}
		log.Errorf(ctx, err, "anthropic client unavailable; using scripted model")
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cl, err := openaimodel.NewFromAPIKey(key, "gpt-4o-mini")
		if err == nil {
			return cl.Provider(), limited(ctx, cl)
		}
		log.Errorf(ctx, err, "openai client unavailable; using scripted model")
	}
	return "scripted", &scriptedClient{text: "Structured concurrency keeps every goroutine on a leash you can reason about. " +
		"What follows is a field guide to the handful of patterns that make that promise stick."}
}

func limited(ctx context.Context, cl model.Client) model.Client {
	limiter := middleware.NewLimiter(ctx, middleware.LimiterOptions{
		InitialTPM: 80_000,
		MaxTPM:     400_000,
	})
	return limiter.Wrap(cl)
}

// scriptedClient is an offline model.Client that replays a fixed completion,
// so the demo works without provider credentials.
type scriptedClient struct {
	text string
}

func (c *scriptedClient) Provider() string { return "scripted" }

func (c *scriptedClient) Complete(_ context.Context, _ *model.Request) (*model.Response, error) {
	return &model.Response{Text: c.text, StopReason: "end_turn"}, nil
}

func (c *scriptedClient) Stream(_ context.Context, _ *model.Request) (model.Streamer, error) {
	return &scriptedStream{words: strings.SplitAfter(c.text, " ")}, nil
}

type scriptedStream struct {
	words []string
	i     int
}

func (s *scriptedStream) Recv() (model.Chunk, error) {
	if s.i >= len(s.words) {
		return model.Chunk{}, io.EOF
	}
	w := s.words[s.i]
	s.i++
	return model.Chunk{Text: w}, nil
}

func (s *scriptedStream) Usage() model.Usage { return model.Usage{} }
func (s *scriptedStream) Close() error       { return nil }
