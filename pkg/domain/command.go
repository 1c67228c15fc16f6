package domain

// Command is a request to change one aggregate.
// Commands are immutable once issued.
type Command interface {
	// AggregateID identifies the target aggregate.
	AggregateID() string

	// AggregateType is the registry tag of the target aggregate.
	AggregateType() string

	// CommandType names the command for logging, tracing and metrics.
	CommandType() string

	// Validate checks the command's own fields. It must not depend on
	// aggregate state.
	Validate() error
}

// CreationCommand is implemented by commands that may target an aggregate
// that has no events yet. It only matters for aggregate types registered
// with RejectMissing.
type CreationCommand interface {
	Command
	CreatesAggregate() bool
}

// IsCreation reports whether cmd is allowed to create its target aggregate.
func IsCreation(cmd Command) bool {
	c, ok := cmd.(CreationCommand)
	return ok && c.CreatesAggregate()
}
