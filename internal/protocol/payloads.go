package protocol

// Session is the tracker's record of one connected peer. LastActivity is a
// unix timestamp in milliseconds.
type Session struct {
	ID           string `json:"id"`
	WorldURL     string `json:"worldURL,omitempty"`
	User         string `json:"user,omitempty"`
	LastActivity int64  `json:"lastActivity,omitempty"`
}

// Merge copies the non-zero fields of update into s.
func (s *Session) Merge(update Session) {
	if update.ID != "" {
		s.ID = update.ID
	}
	if update.WorldURL != "" {
		s.WorldURL = update.WorldURL
	}
	if update.User != "" {
		s.User = update.User
	}
	if update.LastActivity != 0 {
		s.LastActivity = update.LastActivity
	}
}

// ActivityData is the reportActivity payload.
type ActivityData struct {
	LastActivity int64 `json:"lastActivity"`
}

// RemoteEvalData asks the tracker to forward Expr to Target.
type RemoteEvalData struct {
	Target string `json:"target"`
	Expr   string `json:"expr"`
}

// EvalRequestData is what the target of a remote eval receives.
type EvalRequestData struct {
	Origin string `json:"origin"`
	Expr   string `json:"expr"`
}

// EvalResultData travels back from the target, through the tracker, to the
// origin. Error and Target are set instead of Result when the tracker could
// not reach the target.
type EvalResultData struct {
	Origin string `json:"origin,omitempty"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Target string `json:"target,omitempty"`
}

// StatusMessage is the generic acknowledgement payload.
type StatusMessage struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ServerLinkData asks a tracker to connect itself to another tracker.
type ServerLinkData struct {
	URL     string         `json:"url"`
	Options map[string]any `json:"options,omitempty"`
}

// OK is the acknowledgement sent for successful registrations.
var OK = StatusMessage{Message: "OK"}

// ErrTargetNotFound is the error text returned for unknown eval targets.
const ErrTargetNotFound = "Target connection not found"
