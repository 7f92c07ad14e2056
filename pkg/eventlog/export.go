package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/cypher-asi/zero-os-sub004/pkg/canonical"
)

// ErrInvalidTimeRange is returned when an export window is inverted.
var ErrInvalidTimeRange = errors.New("eventlog: start time must be before end time")

// ExportManifest describes an exported audit bundle. The checksum covers
// the JSONL body so a bundle can be verified independently of this log.
type ExportManifest struct {
	ExportID    string    `json:"export_id"`
	GeneratedAt time.Time `json:"generated_at"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Count       int       `json:"count"`
	Checksum    string    `json:"checksum"`
}

// Export writes events in [start, end) as JSONL to w and returns a
// manifest for the bundle.
func (l *Log) Export(w io.Writer, start, end time.Time) (*ExportManifest, error) {
	if start.After(end) {
		return nil, ErrInvalidTimeRange
	}

	events := l.ByTime(start, end)
	var body []byte
	for i := range events {
		line, err := json.Marshal(&events[i])
		if err != nil {
			return nil, fmt.Errorf("eventlog: export marshal: %w", err)
		}
		body = append(body, line...)
		body = append(body, '\n')
	}
	if _, err := w.Write(body); err != nil {
		return nil, fmt.Errorf("eventlog: export write: %w", err)
	}

	return &ExportManifest{
		ExportID:    uuid.New().String(),
		GeneratedAt: time.Now().UTC(),
		StartTime:   start,
		EndTime:     end,
		Count:       len(events),
		Checksum:    canonical.HashBytes(body),
	}, nil
}
