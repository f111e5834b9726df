package state_test

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	branchinmem "github.com/loomworks/loom/runtime/branch/inmem"
	"github.com/loomworks/loom/runtime/event"
	eventinmem "github.com/loomworks/loom/runtime/event/inmem"
	"github.com/loomworks/loom/runtime/ids"
	"github.com/loomworks/loom/runtime/state"
)

// TestDerivationDeterministicProperty checks that state derivation is a pure
// function of the log: for any sequence of module completions, deriving twice
// yields identical state and the lineage view is totally ordered by id.
func TestDerivationDeterministicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("deriving twice yields equal state", prop.ForAll(
		func(values []string) bool {
			ctx := context.Background()
			events := eventinmem.New()
			branches := branchinmem.New()
			deriver := state.NewDeriver(events, branches)
			gen := ids.NewGenerator()

			root, err := branches.CreateRoot(ctx, "run-p")
			if err != nil {
				return false
			}
			for i, v := range values {
				e := &event.Event{
					ID:         gen.EventID("run-p"),
					RunID:      "run-p",
					BranchID:   root.ID,
					Type:       event.TypeModuleCompleted,
					StepID:     fmt.Sprintf("step-%d", i),
					ModuleName: fmt.Sprintf("module-%d", i),
					Data: map[string]any{
						"response":           v,
						event.StateMappedKey: map[string]any{fmt.Sprintf("key-%d", i): v},
					},
					Timestamp: time.Now().UTC(),
				}
				if err := events.Append(ctx, e); err != nil {
					return false
				}
			}

			first, err := deriver.ModuleOutputs(ctx, "run-p", root.ID)
			if err != nil {
				return false
			}
			second, err := deriver.ModuleOutputs(ctx, "run-p", root.ID)
			if err != nil {
				return false
			}
			if !reflect.DeepEqual(first, second) {
				return false
			}

			evts, err := deriver.LineageEvents(ctx, "run-p", root.ID)
			if err != nil {
				return false
			}
			for i := 1; i < len(evts); i++ {
				if evts[i-1].ID >= evts[i].ID {
					return false
				}
			}
			return len(evts) == len(values)
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestForkVisibilityProperty checks the cutoff rule: a child forked at the
// k-th event sees exactly the first k+1 parent events, regardless of how many
// events the parent accrues afterwards.
func TestForkVisibilityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("child sees the lineage prefix up to its cutoff", prop.ForAll(
		func(total, cut int) bool {
			if total < 1 {
				return true
			}
			cut = cut % total
			if cut < 0 {
				cut = -cut
			}

			ctx := context.Background()
			events := eventinmem.New()
			branches := branchinmem.New()
			deriver := state.NewDeriver(events, branches)
			gen := ids.NewGenerator()

			root, err := branches.CreateRoot(ctx, "run-f")
			if err != nil {
				return false
			}
			var appended []*event.Event
			for i := 0; i < total; i++ {
				e := &event.Event{
					ID:         gen.EventID("run-f"),
					RunID:      "run-f",
					BranchID:   root.ID,
					Type:       event.TypeModuleCompleted,
					StepID:     "step-1",
					ModuleName: fmt.Sprintf("module-%d", i),
					Timestamp:  time.Now().UTC(),
				}
				if err := events.Append(ctx, e); err != nil {
					return false
				}
				appended = append(appended, e)
			}

			child, err := branches.CreateChild(ctx, "run-f", root.ID, appended[cut].ID)
			if err != nil {
				return false
			}
			// Parent keeps going after the fork; the child must not see it.
			late := &event.Event{
				ID:       gen.EventID("run-f"),
				RunID:    "run-f",
				BranchID: root.ID,
				Type:     event.TypeModuleCompleted,
				StepID:   "step-2",
			}
			if err := events.Append(ctx, late); err != nil {
				return false
			}

			visible, err := deriver.LineageEvents(ctx, "run-f", child.ID)
			if err != nil {
				return false
			}
			if len(visible) != cut+1 {
				return false
			}
			for i := 0; i <= cut; i++ {
				if visible[i].ID != appended[i].ID {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
