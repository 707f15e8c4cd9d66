package broker

// Capabilities describes the features supported by a backend. Use this to
// introspect what operations are available at runtime.
type Capabilities struct {
	// Name is the human-readable name of the backend.
	Name string

	// SupportsFanOutOutcomes indicates publish results carry a concrete
	// per-subscriber outcome list. Managed brokers fan out server-side and
	// cannot report individual subscriber failures.
	SupportsFanOutOutcomes bool

	// SupportsServerSideFiltering indicates subscription filters are
	// evaluated by the backend rather than locally.
	SupportsServerSideFiltering bool

	// SupportsDeadLetterIntrospection indicates the backend implements
	// DeadLetterManager.
	SupportsDeadLetterIntrospection bool

	// SupportsQueueIntrospection indicates the backend implements
	// QueueIntrospector.
	SupportsQueueIntrospection bool

	// MaxMessageSize is the maximum payload size in bytes (0 = unlimited).
	MaxMessageSize int64

	// MaxVisibilityTimeoutSeconds caps the visibility timeout a receive may
	// request (0 = unlimited).
	MaxVisibilityTimeoutSeconds int64
}

// Predefined capability sets for the built-in backends.
var (
	// MemoryCapabilities for the in-process backend.
	MemoryCapabilities = Capabilities{
		Name:                            "memory",
		SupportsFanOutOutcomes:          true,
		SupportsServerSideFiltering:     false,
		SupportsDeadLetterIntrospection: true,
		SupportsQueueIntrospection:      true,
	}

	// AWSCapabilities for the SNS/SQS backend.
	AWSCapabilities = Capabilities{
		Name:                            "aws",
		SupportsFanOutOutcomes:          false,
		SupportsServerSideFiltering:     true,
		SupportsDeadLetterIntrospection: false,
		SupportsQueueIntrospection:      false,
		MaxMessageSize:                  262144, // 256KB
		MaxVisibilityTimeoutSeconds:     43200,  // 12 hours
	}
)

// GetCapabilities returns the capabilities for a backend by name, looked up
// in the default registry. Returns a zero Capabilities struct if the backend
// is unknown.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
