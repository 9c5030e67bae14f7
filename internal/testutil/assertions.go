package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dwsmith1983/ferry/pkg/types"
)

// WaitFor polls check every 10ms until it returns true or timeout is reached.
func WaitFor(t *testing.T, timeout time.Duration, check func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition: %s", msg)
}

// WaitForStageStatus polls until the stage row reaches the given status.
func WaitForStageStatus(t *testing.T, prov *MockProvider, executionID string, stageID types.StageID, status types.StageStatus, timeout time.Duration) types.ExecutionStage {
	t.Helper()
	var stage types.ExecutionStage
	WaitFor(t, timeout, func() bool {
		s, err := prov.GetStage(context.Background(), executionID, stageID)
		if err != nil {
			return false
		}
		stage = *s
		return s.Status == status
	}, fmt.Sprintf("stage %s of %s to reach %s", stageID, executionID, status))
	return stage
}
