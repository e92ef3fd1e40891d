// Package wizard runs multi-step dialogs such as watcher setup. Dialog
// state is kept per owner in the key-value store with a short TTL, so
// an abandoned dialog simply expires and a restart does not lose one in
// progress.
package wizard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nugget/aide/internal/kv"
)

const keyPrefix = "wizard:"

// DefaultTTL is how long an idle dialog survives.
const DefaultTTL = 10 * time.Minute

// Step is one question of a flow.
type Step struct {
	Name   string
	Prompt string

	// Accept validates input and records it in data. A non-empty
	// complaint is shown and the same step is asked again.
	Accept func(input string, data map[string]string) (complaint string)
}

// Flow is a named sequence of steps.
type Flow struct {
	Name  string
	Steps []Step
}

// State is the persisted position of an owner in a flow.
type State struct {
	Flow string            `json:"flow"`
	Step int               `json:"step"`
	Data map[string]string `json:"data"`
}

// Outcome is the result of feeding one input to a dialog.
type Outcome struct {
	// Reply is the next question, a complaint, or empty when Done.
	Reply string

	// Done is set when the last step accepted its input. Flow and Data
	// then carry the collected answers and the state is gone.
	Done bool
	Flow string
	Data map[string]string
}

// Wizard drives flows.
type Wizard struct {
	store  kv.Store
	ttl    time.Duration
	flows  map[string]*Flow
	logger *slog.Logger
}

// New creates a wizard that knows flows.
func New(store kv.Store, ttl time.Duration, logger *slog.Logger, flows ...*Flow) *Wizard {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	w := &Wizard{
		store:  store,
		ttl:    ttl,
		flows:  make(map[string]*Flow, len(flows)),
		logger: logger.With("component", "wizard"),
	}
	for _, f := range flows {
		w.flows[f.Name] = f
	}
	return w
}

func key(owner int64) string {
	return keyPrefix + strconv.FormatInt(owner, 10)
}

// Start begins flow for owner, replacing any dialog in progress, and
// returns the first question.
func (w *Wizard) Start(ctx context.Context, owner int64, flow string) (string, error) {
	f, ok := w.flows[flow]
	if !ok || len(f.Steps) == 0 {
		return "", fmt.Errorf("unknown flow %q", flow)
	}
	st := &State{Flow: flow, Data: map[string]string{}}
	if err := w.save(ctx, owner, st); err != nil {
		return "", err
	}
	w.logger.Debug("dialog started", "owner", owner, "flow", flow)
	return f.Steps[0].Prompt, nil
}

// Active returns owner's dialog in progress, if any.
func (w *Wizard) Active(ctx context.Context, owner int64) (*State, bool, error) {
	raw, ok, err := w.store.Get(ctx, key(owner))
	if err != nil {
		return nil, false, fmt.Errorf("load dialog for %d: %w", owner, err)
	}
	if !ok {
		return nil, false, nil
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, false, fmt.Errorf("decode dialog for %d: %w", owner, err)
	}
	if _, known := w.flows[st.Flow]; !known {
		return nil, false, nil
	}
	return &st, true, nil
}

// Advance feeds input to owner's dialog. ok is false when there is no
// dialog in progress, in which case the input belongs elsewhere.
func (w *Wizard) Advance(ctx context.Context, owner int64, input string) (out Outcome, ok bool, err error) {
	st, ok, err := w.Active(ctx, owner)
	if err != nil || !ok {
		return Outcome{}, false, err
	}
	f := w.flows[st.Flow]
	if st.Step < 0 || st.Step >= len(f.Steps) {
		return Outcome{}, false, w.Cancel(ctx, owner)
	}
	if st.Data == nil {
		st.Data = map[string]string{}
	}

	step := f.Steps[st.Step]
	if complaint := step.Accept(input, st.Data); complaint != "" {
		// Re-save to refresh the TTL.
		if err := w.save(ctx, owner, st); err != nil {
			return Outcome{}, true, err
		}
		return Outcome{Reply: complaint + "\n\n" + step.Prompt}, true, nil
	}

	st.Step++
	if st.Step == len(f.Steps) {
		if err := w.Cancel(ctx, owner); err != nil {
			return Outcome{}, true, err
		}
		w.logger.Debug("dialog complete", "owner", owner, "flow", st.Flow)
		return Outcome{Done: true, Flow: st.Flow, Data: st.Data}, true, nil
	}
	if err := w.save(ctx, owner, st); err != nil {
		return Outcome{}, true, err
	}
	return Outcome{Reply: f.Steps[st.Step].Prompt}, true, nil
}

// Cancel drops owner's dialog. A missing one is not an error.
func (w *Wizard) Cancel(ctx context.Context, owner int64) error {
	if err := w.store.Delete(ctx, key(owner)); err != nil {
		return fmt.Errorf("drop dialog for %d: %w", owner, err)
	}
	return nil
}

func (w *Wizard) save(ctx context.Context, owner int64, st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal dialog: %w", err)
	}
	if err := w.store.SetEX(ctx, key(owner), string(data), w.ttl); err != nil {
		return fmt.Errorf("save dialog for %d: %w", owner, err)
	}
	return nil
}
