package runner

import "github.com/platform-q-ai/taskrun/internal/taskrun/agent"

// PermissionPolicy decides the reply to a permission.asked event. It returns
// one of the agent.Decision values; an empty return falls back to approval.
type PermissionPolicy func(evt agent.Event) string

// ApproveAll grants every permission request for the whole session. This is
// the platform default; deployments running untrusted instructions should
// install a stricter policy.
func ApproveAll(agent.Event) string {
	return agent.DecisionAlways
}
