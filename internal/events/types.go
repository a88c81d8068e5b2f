// Package events provides event subjects and bus wiring for the devflow
// event system.
package events

// Session lifecycle subjects. These mirror the callback events delivered to
// the owning system; the callback relay subscribes to "session.>".
const (
	SessionStarted      = "session.started"
	SessionProgress     = "session.progress"
	SessionWaitingInput = "session.waiting_input"
	SessionCompleted    = "session.completed"
	SessionError        = "session.error"
)

// Workflow subjects, published on status transitions.
const (
	WorkflowCreated     = "workflow.created"
	WorkflowTransition  = "workflow.transition"
	WorkflowPlanAwaited = "workflow.plan_awaited"
)
