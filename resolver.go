package norm

import (
	"database/sql"
	"math/rand"
	"sync/atomic"
)

// DBResolver routes statements across a primary connection and a pool of
// read replicas. Writes always hit the primary; reads go through the
// configured load balancer unless the query forces a specific connection
// with UsePrimary or UseReplica.
type DBResolver struct {
	primary  *sql.DB
	replicas []*sql.DB
	lb       LoadBalancer
}

// LoadBalancer selects a replica from the pool for a read.
type LoadBalancer interface {
	Next(replicas []*sql.DB) *sql.DB
}

// RoundRobinLoadBalancer cycles through replicas in order.
type RoundRobinLoadBalancer struct {
	counter uint64
}

func (r *RoundRobinLoadBalancer) Next(replicas []*sql.DB) *sql.DB {
	if len(replicas) == 0 {
		return nil
	}
	if len(replicas) == 1 {
		return replicas[0]
	}

	idx := atomic.AddUint64(&r.counter, 1) - 1
	return replicas[idx%uint64(len(replicas))]
}

// RandomLoadBalancer picks a replica uniformly at random.
type RandomLoadBalancer struct{}

func (r *RandomLoadBalancer) Next(replicas []*sql.DB) *sql.DB {
	if len(replicas) == 0 {
		return nil
	}
	return replicas[rand.Intn(len(replicas))]
}

// ResolverOption configures a DBResolver.
type ResolverOption func(*DBResolver)

// WithPrimary sets the primary connection.
func WithPrimary(db *sql.DB) ResolverOption {
	return func(r *DBResolver) {
		r.primary = db
	}
}

// WithReplicas sets the replica pool.
func WithReplicas(dbs ...*sql.DB) ResolverOption {
	return func(r *DBResolver) {
		r.replicas = dbs
	}
}

// WithLoadBalancer sets the replica selection strategy. Defaults to
// round-robin.
func WithLoadBalancer(lb LoadBalancer) ResolverOption {
	return func(r *DBResolver) {
		r.lb = lb
	}
}

// RoundRobinLB is a shared round-robin balancer.
var RoundRobinLB LoadBalancer = &RoundRobinLoadBalancer{}

// RandomLB is a shared random balancer.
var RandomLB LoadBalancer = &RandomLoadBalancer{}

// NewDBResolver builds a resolver from the given options.
func NewDBResolver(opts ...ResolverOption) *DBResolver {
	r := &DBResolver{lb: RoundRobinLB}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Primary returns the primary connection.
func (r *DBResolver) Primary() *sql.DB {
	return r.primary
}

// Replica returns a replica chosen by the load balancer, falling back to
// the primary when no replicas are configured.
func (r *DBResolver) Replica() *sql.DB {
	if len(r.replicas) == 0 {
		return r.primary
	}
	return r.lb.Next(r.replicas)
}

// ReplicaAt returns the replica at index, or nil when out of range.
func (r *DBResolver) ReplicaAt(index int) *sql.DB {
	if index < 0 || index >= len(r.replicas) {
		return nil
	}
	return r.replicas[index]
}

// HasReplicas reports whether any replicas are configured.
func (r *DBResolver) HasReplicas() bool {
	return len(r.replicas) > 0
}
