package agent

// Event is one structured payload from the runtime's event stream: a type tag
// plus a properties bag. The runner classifies a known subset of types and
// forwards everything else unmodified, so the bag stays opaque here.
type Event struct {
	Type  string         `json:"type"`
	Props map[string]any `json:"properties"`
}

// Event types the runner classifies. Anything else is passed through.
const (
	EventSessionStatus      = "session.status"
	EventSessionError       = "session.error"
	EventPermissionAsked    = "permission.asked"
	EventMessagePartUpdated = "message.part.updated"
)

// Session sub-states carried by session.status events.
const (
	SessionBusy = "busy"
	SessionIdle = "idle"
)

// SessionStatus returns the sub-state of a session.status event and whether
// one was present.
func (e Event) SessionStatus() (string, bool) {
	if e.Type != EventSessionStatus {
		return "", false
	}
	status, ok := e.Props["status"].(map[string]any)
	if !ok {
		return "", false
	}
	typ, ok := status["type"].(string)
	return typ, ok
}

// ErrorMessage extracts the human-readable message from a session.error
// event. The runtime sends either a bare string or an error object with a
// message field.
func (e Event) ErrorMessage() string {
	switch v := e.Props["error"].(type) {
	case string:
		return v
	case map[string]any:
		if m, ok := v["message"].(string); ok {
			return m
		}
		if data, ok := v["data"].(map[string]any); ok {
			if m, ok := data["message"].(string); ok {
				return m
			}
		}
		if name, ok := v["name"].(string); ok {
			return name
		}
	}
	return "unknown session error"
}

// PermissionID returns the id of a permission.asked event, or "".
func (e Event) PermissionID() string {
	id, _ := e.Props["id"].(string)
	return id
}

// SessionID returns the session id carried by the event, or "".
func (e Event) SessionID() string {
	id, _ := e.Props["sessionID"].(string)
	return id
}
