package bus

// Canonical fabric event types. Dotted names allow prefix subscriptions
// (e.g. "turn." for all turn lifecycle events).
const (
	TopicTurnStarted        = "turn.started"
	TopicMessageAbsorbed    = "turn.message_absorbed"
	TopicTurnProcessing     = "turn.processing"
	TopicCommitPointReached = "turn.commit_point_reached"
	TopicTurnCompleted      = "turn.completed"
	TopicTurnFailed         = "turn.failed"

	TopicSupersedeRequested = "supersede.requested"
	TopicSupersedeExecuted  = "supersede.executed"

	TopicSideEffectAuthorized = "side_effect.authorized"
	TopicSideEffectExecuted   = "side_effect.executed"

	TopicLockAcquired = "lock.acquired"
	TopicLockReleased = "lock.released"
	TopicLockExpired  = "lock.expired"

	TopicArtifactReused     = "artifact.reused"
	TopicArtifactRecomputed = "artifact.recomputed"

	TopicRecoveryResumed = "recovery.resumed"
)
