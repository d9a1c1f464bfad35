package events

// Event enumerates high-level topics inside the exit engine.
type Event string

const (
	EventEngineStarted Event = "engine.started"
	EventEngineStopped Event = "engine.stopped"
	EventRuleTriggered Event = "rule.triggered"
	EventRuleExpired   Event = "rule.expired"
	EventOrderPlaced   Event = "order.placed"
	EventOrderRejected Event = "order.rejected"
	EventOrderFailed   Event = "order.failed"
)
