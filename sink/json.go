package sink

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jnesss/pgfault-recorder/process"
	"github.com/jnesss/pgfault-recorder/types"
)

// JSONRecord is the JSON-lines form of an event.
type JSONRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	PID         uint32    `json:"pid"`
	Address     string    `json:"address"`
	Flags       string    `json:"flags"`
	Comm        string    `json:"comm,omitempty"`
	ExePath     string    `json:"exePath,omitempty"`
	ContainerID string    `json:"containerId,omitempty"`
}

// JSON writes one JSON object per line. When a resolver is set, records are
// enriched with the process name and executable.
type JSON struct {
	mu       sync.Mutex
	enc      *json.Encoder
	resolver process.InfoResolver
	now      func() time.Time
}

// NewJSON creates a JSON-lines sink. resolver may be nil.
func NewJSON(w io.Writer, resolver process.InfoResolver) *JSON {
	return &JSON{
		enc:      json.NewEncoder(w),
		resolver: resolver,
		now:      time.Now,
	}
}

// Emit implements collector.Sink.
func (j *JSON) Emit(ev types.PageFaultEvent) error {
	rec := JSONRecord{
		Timestamp: j.now().UTC(),
		PID:       ev.PID,
		Address:   fmt.Sprintf("0x%016x", ev.Addr),
		Flags:     fmt.Sprintf("0x%x", ev.Flags),
	}
	if j.resolver != nil {
		if info, ok := j.resolver.Resolve(ev.PID); ok {
			rec.Comm = info.Comm
			rec.ExePath = info.ExePath
			rec.ContainerID = info.ContainerID
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(rec)
}
