package ports

import "github.com/ghalamif/RelayFlow/internal/domain"

// Collector pushes records from a live, non-replayable system (OPC UA,
// sensors). Collected records are buffered into a replayable stream before a
// pipeline reads them.
type Collector interface {
	Start(out chan<- domain.Record) error
	Stop() error
}
