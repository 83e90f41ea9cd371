package relayflow

import (
	"log/slog"

	base "github.com/ghalamif/RelayFlow/pkg/relayflow"
)

// Re-exported errors for convenience.
var (
	ErrSourceUnavailable        = base.ErrSourceUnavailable
	ErrDestinationUnavailable   = base.ErrDestinationUnavailable
	ErrCheckpointUnavailable    = base.ErrCheckpointUnavailable
	ErrPositionExpired          = base.ErrPositionExpired
	ErrInvalidConfig            = base.ErrInvalidConfig
	ErrSchemaRejected           = base.ErrSchemaRejected
	ErrRetryExhausted           = base.ErrRetryExhausted
	ErrBufferFull               = base.ErrBufferFull
	ErrChannelDestinationClosed = base.ErrChannelDestinationClosed
)

// Type aliases so consumers can import github.com/ghalamif/RelayFlow directly.
type (
	Config          = base.Config
	ResourceConfig  = base.ResourceConfig
	PipelineConfig  = base.PipelineConfig
	Endpoint        = base.Endpoint
	TransformConfig = base.TransformConfig
	Policy          = base.Policy
	RetryPolicy     = base.RetryPolicy
	BufferPolicy    = base.BufferPolicy
	Flow            = base.Flow
	Resource        = base.Resource
	Stream          = base.Stream
	ProcessOption   = base.ProcessOption
	Runtime         = base.Runtime
	Option          = base.Option
	Record          = base.Record
	Position        = base.Position
	Payload         = base.Payload
	Checkpoint      = base.Checkpoint
	DeadLetter      = base.DeadLetter
	RecordErrors    = base.RecordErrors
	TransformFunc   = base.TransformFunc
	Source          = base.Source
	Destination     = base.Destination
	DestinationFunc = base.DestinationFunc
	Delivery        = base.Delivery
	WriteAck        = base.WriteAck
	CheckpointStore = base.CheckpointStore
	DeadLetterSink  = base.DeadLetterSink
	Collector       = base.Collector
	Observability   = base.Observability
	Field           = base.Field
	Status          = base.Status
	RunError        = base.RunError
	Publisher       = base.Publisher
	PublisherConfig = base.PublisherConfig
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

// Flow builder helpers.
func Conf(path string, opts ...Option) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...Option) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithPipelineID(id string) ProcessOption {
	return base.WithPipelineID(id)
}

func WithPolicy(p Policy) ProcessOption {
	return base.WithPolicy(p)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...Option) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithCheckpointStore(s CheckpointStore) Option {
	return base.WithCheckpointStore(s)
}

func WithDeadLetterSink(s DeadLetterSink) Option {
	return base.WithDeadLetterSink(s)
}

func WithObservability(obs Observability) Option {
	return base.WithObservability(obs)
}

func WithLogger(l *slog.Logger) Option {
	return base.WithLogger(l)
}

func WithSource(name string, src Source) Option {
	return base.WithSource(name, src)
}

func WithDestination(name string, dst Destination) Option {
	return base.WithDestination(name, dst)
}

func WithTransform(name string, fn TransformFunc) Option {
	return base.WithTransform(name, fn)
}

// Destination adapters.
func NewCallbackDestination(name string, fn DestinationFunc) Destination {
	return base.NewCallbackDestination(name, fn)
}

func NewChannelDestination(name string, buffer int) (Destination, <-chan Delivery, func()) {
	return base.NewChannelDestination(name, buffer)
}

// Publisher for in-process producers.
func NewPublisher(cfg PublisherConfig, obs Observability) (*Publisher, error) {
	return base.NewPublisher(cfg, obs)
}
