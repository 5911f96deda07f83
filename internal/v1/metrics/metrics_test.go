package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestActionsTotal(t *testing.T) {
	ActionsTotal.WithLabelValues("send_join_event", "success").Inc()
	val := testutil.ToFloat64(ActionsTotal.WithLabelValues("send_join_event", "success"))
	if val < 1 {
		t.Errorf("expected ActionsTotal to be at least 1, got %v", val)
	}
}

func TestSetStatus(t *testing.T) {
	known := []string{"disconnected", "connecting", "connected"}
	SetStatus("call1", "connecting", known)

	if v := testutil.ToFloat64(ManagerStatus.WithLabelValues("call1", "connecting")); v != 1 {
		t.Errorf("expected connecting=1, got %v", v)
	}
	if v := testutil.ToFloat64(ManagerStatus.WithLabelValues("call1", "connected")); v != 0 {
		t.Errorf("expected connected=0, got %v", v)
	}

	SetStatus("call1", "connected", known)
	if v := testutil.ToFloat64(ManagerStatus.WithLabelValues("call1", "connecting")); v != 0 {
		t.Errorf("expected connecting=0 after transition, got %v", v)
	}
	if v := testutil.ToFloat64(ManagerStatus.WithLabelValues("call1", "connected")); v != 1 {
		t.Errorf("expected connected=1 after transition, got %v", v)
	}
}

func TestRetriesAndUnrecoverable(t *testing.T) {
	RetriesTotal.WithLabelValues("update_expiry", "network").Inc()
	UnrecoverableErrors.WithLabelValues("send_join_event").Inc()
	ProbablyLeftTotal.Inc()

	if v := testutil.ToFloat64(RetriesTotal.WithLabelValues("update_expiry", "network")); v < 1 {
		t.Errorf("expected RetriesTotal to be at least 1, got %v", v)
	}
}
