package rpcfanout

import "testing"

func TestHealthTrackerRecordsSuccessAndFailureCounts(t *testing.T) {
	tr := NewHealthTracker()
	tr.RecordSuccess("http://a", 100)
	tr.RecordSuccess("http://a", 200)
	tr.RecordFailure("http://a")

	snap := tr.Snapshot("http://a")
	if snap.TotalCalls != 3 {
		t.Fatalf("expected 3 total calls, got %d", snap.TotalCalls)
	}
	if snap.SuccessfulCalls != 2 {
		t.Fatalf("expected 2 successful calls, got %d", snap.SuccessfulCalls)
	}
	if snap.FailedCalls != 1 {
		t.Fatalf("expected 1 failed call, got %d", snap.FailedCalls)
	}
}

func TestHealthTrackerUnknownEndpointSnapshotIsZeroValue(t *testing.T) {
	tr := NewHealthTracker()
	snap := tr.Snapshot("http://never-called")
	if snap.TotalCalls != 0 {
		t.Fatalf("expected zero-value snapshot for unknown endpoint")
	}
}
