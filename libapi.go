package fanflow

import (
	"context"

	"github.com/drblury/fanflow/broker"
	runtimepkg "github.com/drblury/fanflow/internal/runtime"
	configpkg "github.com/drblury/fanflow/internal/runtime/config"
	errspkg "github.com/drblury/fanflow/internal/runtime/errors"
	idspkg "github.com/drblury/fanflow/internal/runtime/ids"
	"github.com/drblury/fanflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/fanflow/internal/runtime/logging"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	Envelope      = broker.Envelope
	Filter        = broker.Filter
	Delivery      = broker.Delivery
	PublishResult = broker.PublishResult

	SubscriberOutcome = broker.SubscriberOutcome
	DeadLetterEntry   = broker.DeadLetterEntry

	TopicClient       = broker.TopicClient
	QueueClient       = broker.QueueClient
	Admin             = broker.Admin
	Backend           = broker.Backend
	BackendBuilder    = broker.Builder
	BackendRegistry   = broker.Registry
	Capabilities      = broker.Capabilities
	DeadLetterManager = broker.DeadLetterManager
	QueueIntrospector = broker.QueueIntrospector

	Producer = runtimepkg.Producer
	Runner   = runtimepkg.Runner
	Handler  = runtimepkg.Handler

	RunnerOptions = runtimepkg.RunnerOptions
	RunnerState   = runtimepkg.RunnerState

	// Delivery lifecycle hooks
	DeliveryContext = runtimepkg.DeliveryContext
	DeliveryHooks   = runtimepkg.DeliveryHooks

	RunnerStatus   = runtimepkg.RunnerStatus
	StatusSnapshot = runtimepkg.StatusSnapshot
	ResourceUsage  = runtimepkg.ResourceUsage

	Metrics      = runtimepkg.Metrics
	QueueStats   = runtimepkg.QueueStats
	BusOptions   = runtimepkg.BusOptions
	QueueOptions = runtimepkg.QueueOptions
	Bus          = runtimepkg.Bus
	Queue        = runtimepkg.Queue

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
	InvalidMessageError   = broker.InvalidMessageError
	PartialDeliveryError  = broker.PartialDeliveryError
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig
	ConfigFromEnv  = configpkg.FromEnv

	NewEnvelope = broker.NewEnvelope
	ParseFilter = broker.ParseFilter

	NewProducer = runtimepkg.NewProducer
	NewRunner   = runtimepkg.NewRunner

	NewBus     = runtimepkg.NewBus
	NewQueue   = runtimepkg.NewQueue
	NewMetrics = runtimepkg.NewMetrics

	RegisterBackend    = broker.Register
	GetCapabilities    = broker.GetCapabilities
	RegisteredBackends = broker.Names
	HasBackend         = broker.Has

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	CreateULID = idspkg.CreateULID

	MarshalJSON   = jsoncodec.Marshal
	UnmarshalJSON = jsoncodec.Unmarshal
)

// JSONHandler adapts a typed function into a Handler by decoding delivery
// payloads as JSON.
func JSONHandler[T any](fn func(ctx context.Context, payload T, delivery Delivery) error) Handler {
	return runtimepkg.JSONHandler(fn)
}

// Sentinel errors surfaced by the broker interfaces.
var (
	ErrTopicNotFound  = broker.ErrTopicNotFound
	ErrQueueNotFound  = broker.ErrQueueNotFound
	ErrQueueFull      = broker.ErrQueueFull
	ErrInvalidReceipt = broker.ErrInvalidReceipt

	ErrConfigRequired = errspkg.ErrConfigRequired
	ErrLoggerRequired = errspkg.ErrLoggerRequired
)
