package norm

import (
	"context"
	"database/sql"
	"testing"
)

func openMemDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRoundRobinCyclesReplicas(t *testing.T) {
	a, b := openMemDB(t), openMemDB(t)
	lb := &RoundRobinLoadBalancer{}

	replicas := []*sql.DB{a, b}
	got := []*sql.DB{lb.Next(replicas), lb.Next(replicas), lb.Next(replicas)}

	if got[0] == got[1] {
		t.Error("consecutive picks should alternate")
	}
	if got[0] != got[2] {
		t.Error("picks should cycle back to the first replica")
	}
}

func TestRandomLoadBalancerPicksFromSet(t *testing.T) {
	a, b := openMemDB(t), openMemDB(t)
	lb := &RandomLoadBalancer{}

	for i := 0; i < 10; i++ {
		db := lb.Next([]*sql.DB{a, b})
		if db != a && db != b {
			t.Fatal("pick must come from the replica set")
		}
	}
}

func TestResolverReplicaFallsBackToPrimary(t *testing.T) {
	primary := openMemDB(t)
	r := NewDBResolver(WithPrimary(primary))

	if r.HasReplicas() {
		t.Error("no replicas configured")
	}
	if r.Replica() != primary {
		t.Error("Replica should fall back to the primary when none exist")
	}
}

func TestResolverRoutesReads(t *testing.T) {
	primary := openMemDB(t)
	replica := openMemDB(t)
	r := NewDBResolver(
		WithPrimary(primary),
		WithReplicas(replica),
		WithLoadBalancer(RoundRobinLB),
	)

	if r.Primary() != primary {
		t.Error("Primary should return the configured primary")
	}
	if r.Replica() != replica {
		t.Error("reads should route to the replica")
	}
}

func TestResolverReplicaAtBounds(t *testing.T) {
	primary := openMemDB(t)
	replica := openMemDB(t)
	r := NewDBResolver(WithPrimary(primary), WithReplicas(replica))

	if r.ReplicaAt(0) != replica {
		t.Error("in-range index should return that replica")
	}
	if r.ReplicaAt(5) != nil {
		t.Error("out-of-range index should return nil")
	}
	if r.ReplicaAt(-1) != nil {
		t.Error("negative index should return nil")
	}
}

func TestGlobalResolverRoutesModelQueries(t *testing.T) {
	db := setupDB(t)
	seedGraph(t, db)

	SetGlobalResolver(NewDBResolver(WithPrimary(db), WithReplicas(db)))
	t.Cleanup(func() { SetGlobalResolver(nil) })

	ctx := context.Background()

	n, err := New[TUser]().Count(ctx)
	if err != nil {
		t.Fatalf("replica read: %v", err)
	}
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}

	u := &TUser{Name: "rob", Email: "rob@example.com", Active: true}
	if err := New[TUser]().Create(ctx, u); err != nil {
		t.Fatalf("primary write: %v", err)
	}

	if _, err := New[TUser]().UsePrimary().Find(ctx, u.ID); err != nil {
		t.Fatalf("forced primary read: %v", err)
	}
	if _, err := New[TUser]().UseReplica(0).Find(ctx, u.ID); err != nil {
		t.Fatalf("forced replica read: %v", err)
	}
}
