// Package sink holds the consumers of decoded page fault events.
package sink

import (
	"fmt"
	"io"
	"sync"

	"github.com/jnesss/pgfault-recorder/types"
)

// Console writes one line per event in the recorder's display format.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole creates a console sink writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// Emit implements collector.Sink.
func (c *Console) Emit(ev types.PageFaultEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.w, ev.String())
	return err
}
