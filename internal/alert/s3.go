package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dwsmith1983/ferry/internal/objectstore"
	"github.com/dwsmith1983/ferry/pkg/types"
)

// ArchiveSink archives alerts as JSON objects in the object store.
type ArchiveSink struct {
	objects objectstore.Store
	prefix  string
}

// NewArchiveSink creates an archive sink writing under prefix ("alerts" by default).
func NewArchiveSink(objects objectstore.Store, prefix string) *ArchiveSink {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "alerts"
	}
	return &ArchiveSink{objects: objects, prefix: prefix}
}

// Name returns the sink identifier.
func (s *ArchiveSink) Name() string { return "s3" }

// Send archives the alert.
// Key format: {prefix}/{date}/{executionID}/{unix_millis}-{level}.json
func (s *ArchiveSink) Send(ctx context.Context, alert types.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}
	_, err = s.objects.Put(ctx, ArchiveKey(s.prefix, alert), data, "application/json")
	if err != nil {
		return fmt.Errorf("archiving alert: %w", err)
	}
	return nil
}

// ArchiveKey returns the object key an alert is archived under.
func ArchiveKey(prefix string, alert types.Alert) string {
	now := alert.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	exec := alert.ExecutionID
	if exec == "" {
		exec = "system"
	}
	return fmt.Sprintf("%s/%s/%s/%d-%s.json", prefix, now.UTC().Format("2006-01-02"), exec, now.UnixMilli(), alert.Level)
}
