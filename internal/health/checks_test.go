package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakePinger struct{ err error }

func (f fakePinger) PingContext(ctx context.Context) error { return f.err }

func TestDatabaseCheck(t *testing.T) {
	ok := Database(fakePinger{}, time.Second)(context.Background())
	if !ok.Healthy || ok.Name != "database" {
		t.Fatalf("expected healthy database, got %+v", ok)
	}

	bad := Database(fakePinger{err: errors.New("connection refused")}, time.Second)(context.Background())
	if bad.Healthy {
		t.Fatal("expected unhealthy database")
	}
	if bad.Detail != "connection refused" {
		t.Fatalf("unexpected detail %q", bad.Detail)
	}
}

func TestLoopsCheck(t *testing.T) {
	var stalled []string
	check := Loops(func() []string { return stalled })

	if s := check(context.Background()); !s.Healthy {
		t.Fatalf("expected healthy, got %+v", s)
	}

	stalled = []string{"observer/src-1", "executor/src-1"}
	s := check(context.Background())
	if s.Healthy {
		t.Fatal("expected unhealthy with stalled loops")
	}
	if s.Detail != "stopped: observer/src-1, executor/src-1" {
		t.Fatalf("unexpected detail %q", s.Detail)
	}
}

func TestChainCheckStaysHealthy(t *testing.T) {
	s := Chain(func() []string { return []string{"src-2"} })(context.Background())
	if !s.Healthy {
		t.Fatal("open circuit should not fail the process")
	}
	if s.Detail != "circuit open: src-2" {
		t.Fatalf("unexpected detail %q", s.Detail)
	}
}

func TestRegistryWithDomainChecks(t *testing.T) {
	r := NewRegistry()
	r.Register("database", Database(fakePinger{}, time.Second))
	r.Register("loops", Loops(func() []string { return []string{"observer/src-1"} }))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("stalled loop should make the registry unhealthy")
	}
	if len(statuses) != 2 || statuses[1].Name != "loops" {
		t.Fatalf("unexpected statuses %+v", statuses)
	}
}
