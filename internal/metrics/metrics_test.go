package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCountsByLabel(t *testing.T) {
	registry := prometheus.NewRegistry()
	recorder := New(registry)

	recorder.Snapshot(ResultOK)
	recorder.Snapshot(ResultOK)
	recorder.Snapshot(ResultError)
	recorder.RemoteEvent("QuestionAdded", "applied")
	recorder.Write("add_question", ResultOK, 20*time.Millisecond)
	recorder.SessionOpened()
	recorder.SessionOpened()
	recorder.SessionClosed()

	if got := testutil.ToFloat64(recorder.snapshots.WithLabelValues(ResultOK)); got != 2 {
		t.Fatalf("expected 2 ok snapshots, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.sessions); got != 1 {
		t.Fatalf("expected 1 open session, got %v", got)
	}
	expected := `
# HELP qaroom_writes_total ledger writes by operation and result
# TYPE qaroom_writes_total counter
qaroom_writes_total{operation="add_question",result="ok"} 1
`
	if err := testutil.GatherAndCompare(registry, strings.NewReader(expected), "qaroom_writes_total"); err != nil {
		t.Fatalf("unexpected writes metric: %v", err)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var recorder *Recorder
	recorder.Snapshot(ResultOK)
	recorder.RemoteEvent("QuestionVoted", "dropped")
	recorder.Write("vote_question", ResultError, time.Second)
	recorder.SessionOpened()
	recorder.SessionClosed()
}
