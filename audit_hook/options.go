package audithook

import "log/slog"

// Option configures an Extension.
type Option func(*Extension)

// WithLogger sets the logger used when the recorder fails.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extension) {
		e.logger = logger
	}
}

// WithEnabledActions restricts auditing to the named actions. Without it
// every action in Actions is recorded.
func WithEnabledActions(actions ...string) Option {
	return func(e *Extension) {
		e.only = toSet(actions)
	}
}

// WithDisabledActions skips the named actions. It combines with
// WithEnabledActions; a disabled action is never recorded.
func WithDisabledActions(actions ...string) Option {
	return func(e *Extension) {
		if e.skip == nil {
			e.skip = make(map[string]struct{}, len(actions))
		}
		for _, a := range actions {
			e.skip[a] = struct{}{}
		}
	}
}

func (e *Extension) wants(action string) bool {
	if _, skipped := e.skip[action]; skipped {
		return false
	}
	if e.only == nil {
		return true
	}
	_, ok := e.only[action]
	return ok
}

func toSet(actions []string) map[string]struct{} {
	set := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		set[a] = struct{}{}
	}
	return set
}

// Actions lists every action the extension can emit.
func Actions() []string {
	return []string{
		ActionTransactionCreated,
		ActionTransactionUpdated,
		ActionTransactionDeleted,
		ActionPushAccepted,
		ActionRemoteApplied,
		ActionConflictResolved,
		ActionMergeFailed,
		ActionTransportFault,
		ActionTombstonePurged,
		ActionCycleFailed,
	}
}
