package postprocessing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/qcflow/internal/config"
	"github.com/ashita-ai/qcflow/internal/model"
)

// ErrUnknownTrigger is returned by ParseTrigger for an unrecognized string.
var ErrUnknownTrigger = errors.New("postprocessing: unknown trigger")

// TriggerType identifies why a trigger fired.
type TriggerType int

// Trigger types. TriggerNo means the trigger did not fire.
const (
	TriggerNo TriggerType = iota
	TriggerOnce
	TriggerAlways
	TriggerStartOfRun
	TriggerEndOfRun
	TriggerPeriodic
	TriggerNewObject
	TriggerForEachObject
	TriggerUserOrControl
)

var triggerTypeNames = [...]string{"No", "Once", "Always", "StartOfRun", "EndOfRun", "Periodic", "NewObject", "ForEachObject", "UserOrControl"}

func (t TriggerType) String() string {
	if t < 0 || int(t) >= len(triggerTypeNames) {
		return "TriggerType(" + strconv.Itoa(int(t)) + ")"
	}
	return triggerTypeNames[t]
}

// Trigger is one firing of a trigger function.
type Trigger struct {
	Type TriggerType
	// Last marks the final firing; the runner drops the trigger afterwards.
	Last     bool
	Activity model.Activity
	// Timestamp in milliseconds since the epoch.
	Timestamp int64
}

// Fired reports whether the trigger fired.
func (t Trigger) Fired() bool { return t.Type != TriggerNo }

// LogValue implements slog.LogValuer.
func (t Trigger) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", t.Type.String()),
		slog.Int64("timestamp", t.Timestamp),
		slog.Bool("last", t.Last),
		slog.Int("run", t.Activity.ID),
	)
}

// TriggerFunc is polled by the runner. It returns a Trigger of type
// TriggerNo when nothing happened since the previous poll.
type TriggerFunc func(ctx context.Context) Trigger

// TriggerEnv holds what trigger functions may depend on.
type TriggerEnv struct {
	Activity   model.Activity
	Repository Repository
	RunEvents  *RunEvents
	Now        func() time.Time
	Logger     *slog.Logger
}

func (e *TriggerEnv) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *TriggerEnv) nowMS() int64 { return e.now().UnixMilli() }

// ParseTrigger builds a trigger function from its configuration string.
// Matching is case-insensitive.
func ParseTrigger(ctx context.Context, s string, env *TriggerEnv) (TriggerFunc, error) {
	lower := strings.ToLower(strings.TrimSpace(s))
	switch lower {
	case "once":
		return Once(env), nil
	case "always":
		return Always(env), nil
	case "never":
		return Never(), nil
	case "sor", "startofrun":
		return runEventTrigger(env, RunStarted, TriggerStartOfRun)
	case "eor", "endofrun":
		return runEventTrigger(env, RunStopped, TriggerEndOfRun)
	}
	switch {
	case strings.HasPrefix(lower, "newobject:"), strings.HasPrefix(lower, "foreachobject:"):
		parts := strings.SplitN(s, ":", 3)
		if len(parts) != 3 || !strings.EqualFold(parts[1], "qcdb") || parts[2] == "" {
			return nil, fmt.Errorf("%w: %q: expected '<kind>:qcdb:<path>'", config.ErrFatalConfiguration, s)
		}
		if env.Repository == nil {
			return nil, fmt.Errorf("%w: %q needs a repository", config.ErrFatalConfiguration, s)
		}
		if strings.HasPrefix(lower, "newobject") {
			return NewObject(ctx, env, parts[2]), nil
		}
		return ForEachObject(ctx, env, parts[2])
	case strings.Contains(lower, "user"), strings.Contains(lower, "control"):
		return Never(), nil
	}
	if period, ok, err := parsePeriod(lower); ok {
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", config.ErrFatalConfiguration, s, err)
		}
		return Periodic(env, period), nil
	}
	return nil, fmt.Errorf("%w: %w: %q", config.ErrFatalConfiguration, ErrUnknownTrigger, s)
}

// ParseTriggers parses every string in names.
func ParseTriggers(ctx context.Context, names []string, env *TriggerEnv) ([]TriggerFunc, error) {
	out := make([]TriggerFunc, 0, len(names))
	for _, n := range names {
		f, err := ParseTrigger(ctx, n, env)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// HasUserOrControl reports whether names contains a user or control trigger.
func HasUserOrControl(names []string) bool {
	for _, n := range names {
		l := strings.ToLower(n)
		if strings.Contains(l, "user") || strings.Contains(l, "control") {
			return true
		}
	}
	return false
}

// parsePeriod reads "<N> sec|min|hour[s]". ok is false when s does not look
// like a period at all.
func parsePeriod(s string) (d time.Duration, ok bool, err error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, false, nil
	}
	n, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false, nil
	}
	var unit time.Duration
	switch strings.TrimSuffix(fields[1], "s") {
	case "sec", "second", "":
		unit = time.Second
	case "min", "minute":
		unit = time.Minute
	case "hour":
		unit = time.Hour
	default:
		return 0, false, nil
	}
	if n <= 0 {
		return 0, true, errors.New("period must be positive")
	}
	return time.Duration(n * float64(unit)), true, nil
}

// Once fires on the first poll only.
func Once(env *TriggerEnv) TriggerFunc {
	fired := false
	return func(context.Context) Trigger {
		if fired {
			return Trigger{Type: TriggerNo, Last: true}
		}
		fired = true
		return Trigger{Type: TriggerOnce, Last: true, Activity: env.Activity, Timestamp: env.nowMS()}
	}
}

// Always fires on every poll.
func Always(env *TriggerEnv) TriggerFunc {
	return func(context.Context) Trigger {
		return Trigger{Type: TriggerAlways, Activity: env.Activity, Timestamp: env.nowMS()}
	}
}

// Never does not fire.
func Never() TriggerFunc {
	return func(context.Context) Trigger { return Trigger{Type: TriggerNo} }
}

// Periodic fires once per period. The timestamp is the scheduled time, so
// several missed periods produce a single firing.
func Periodic(env *TriggerEnv, period time.Duration) TriggerFunc {
	next := env.now().Add(period)
	return func(context.Context) Trigger {
		now := env.now()
		if now.Before(next) {
			return Trigger{Type: TriggerNo}
		}
		ts := next.UnixMilli()
		for !now.Before(next) {
			next = next.Add(period)
		}
		return Trigger{Type: TriggerPeriodic, Activity: env.Activity, Timestamp: ts}
	}
}

// NewObject fires whenever a version of path newer than the newest one seen
// so far appears in the repository. Versions present at creation time do
// not fire.
func NewObject(ctx context.Context, env *TriggerEnv, path string) TriggerFunc {
	latest := func(ctx context.Context) int64 {
		versions, err := env.Repository.ListVersions(ctx, path)
		if err != nil {
			env.logger().Warn("postprocessing: list versions failed", "path", path, "error", err)
			return 0
		}
		if len(versions) == 0 {
			return 0
		}
		return versions[len(versions)-1]
	}
	seen := latest(ctx)
	if seen == 0 {
		env.logger().Warn("postprocessing: no version of object yet", "path", path)
	}
	return func(ctx context.Context) Trigger {
		v := latest(ctx)
		if v <= seen {
			return Trigger{Type: TriggerNo}
		}
		seen = v
		return Trigger{Type: TriggerNewObject, Activity: env.Activity, Timestamp: v}
	}
}

// ForEachObject fires once for every version of path that exists when the
// trigger is created, oldest first. The final firing is marked Last.
func ForEachObject(ctx context.Context, env *TriggerEnv, path string) (TriggerFunc, error) {
	versions, err := env.Repository.ListVersions(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("postprocessing: foreachobject %s: %w", path, err)
	}
	i := 0
	return func(context.Context) Trigger {
		if i >= len(versions) {
			return Trigger{Type: TriggerNo, Last: true}
		}
		ts := versions[i]
		i++
		return Trigger{Type: TriggerForEachObject, Last: i == len(versions), Activity: env.Activity, Timestamp: ts}
	}, nil
}

func runEventTrigger(env *TriggerEnv, want RunEventType, typ TriggerType) (TriggerFunc, error) {
	if env.RunEvents == nil {
		return nil, fmt.Errorf("%w: %s trigger needs a run event source", config.ErrFatalConfiguration, typ)
	}
	events := env.RunEvents.Subscribe(DefaultRunEventBuffer)
	return func(context.Context) Trigger {
		for {
			select {
			case e := <-events:
				if e.Type != want {
					continue
				}
				a := env.Activity
				a.ID = e.Run
				ts := e.Timestamp
				if ts == 0 {
					ts = env.nowMS()
				}
				return Trigger{Type: typ, Activity: a, Timestamp: ts}
			default:
				return Trigger{Type: TriggerNo}
			}
		}
	}, nil
}

func (e *TriggerEnv) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// tryTrigger polls fns in order and returns the first firing. Functions
// reporting Last are removed from the slice.
func tryTrigger(ctx context.Context, fns *[]TriggerFunc) Trigger {
	list := *fns
	for i := 0; i < len(list); {
		t := list[i](ctx)
		if t.Last {
			list = append(list[:i], list[i+1:]...)
		} else {
			i++
		}
		if t.Fired() {
			*fns = list
			return t
		}
	}
	*fns = list
	return Trigger{Type: TriggerNo}
}
