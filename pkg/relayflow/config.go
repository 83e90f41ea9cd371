package relayflow

import (
	"github.com/ghalamif/RelayFlow/internal/app/config"
)

// Config re-exports the root configuration struct so embedding programs can
// build or adjust it in code.
type Config = config.Config

type (
	// ResourceConfig names a connector kind and its options.
	ResourceConfig = config.ResourceConfig
	// PipelineConfig wires a source collection to a destination collection.
	PipelineConfig = config.PipelineConfig
	// Endpoint addresses a collection on a named resource.
	Endpoint = config.Endpoint
	// TransformConfig names a registered transform and its options.
	TransformConfig = config.TransformConfig
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.MetricsConfig
	// LogConfig selects log level and format.
	LogConfig = config.LogConfig
)

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
