package sink

import (
	"github.com/jnesss/pgfault-recorder/collector"
	"github.com/jnesss/pgfault-recorder/types"
)

// Multi fans an event out to every sink in order and stops at the first
// error.
type Multi []collector.Sink

// Emit implements collector.Sink.
func (m Multi) Emit(ev types.PageFaultEvent) error {
	for _, s := range m {
		if err := s.Emit(ev); err != nil {
			return err
		}
	}
	return nil
}
