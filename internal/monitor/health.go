package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"
	"github.com/robfig/cron"

	"github.com/hapostgres/pg-auto-failover-sub002/pkg/fsm"
	"github.com/hapostgres/pg-auto-failover-sub002/pkg/log"
)

// HealthConfig carries C3's timing knobs (spec.md §4.3).
type HealthConfig struct {
	Period             time.Duration
	Timeout            time.Duration
	MaxRetries         int
	RetryDelay         time.Duration
	StartupGracePeriod time.Duration
}

// DefaultHealthConfig returns spec.md §4.3's literal defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Period:             5 * time.Second,
		Timeout:            5 * time.Second,
		MaxRetries:         2,
		RetryDelay:         2 * time.Second,
		StartupGracePeriod: 10 * time.Second,
	}
}

// cannotConnectNow is the SQLSTATE a server returns while still starting up
// (57P03). pingPostgres counts every other SQLSTATE as a successful ping,
// but not this one: a node that is still starting up fails the probe.
const cannotConnectNow = "57P03"

// Prober implements C3: a cooperative, single-loop health checker that
// TCP/protocol-probes every registered node on a fixed schedule and records
// the result via Store.UpdateHealth. It never writes goalstate directly —
// only the FSM (C4) reads the health column and decides what to do with it.
type Prober struct {
	store     *Store
	config    HealthConfig
	startedAt time.Time
	dial      func(ctx context.Context, connStr string) error
}

// NewProber builds a Prober. dial defaults to pingPostgres; tests override
// it to simulate unreachable nodes without a real network.
func NewProber(store *Store, config HealthConfig) *Prober {
	return &Prober{store: store, config: config, startedAt: time.Now(), dial: pingPostgres}
}

// Run blocks, ticking every config.Period using a robfig/cron "@every"
// schedule, until ctx is cancelled. Each tick probes every node in
// sequence. robfig/cron starts each tick in its own goroutine, so a tick
// that takes longer than config.Period overlaps the next one.
func (p *Prober) Run(ctx context.Context) error {
	c := cron.New()
	tickErrs := make(chan error, 1)

	_, err := c.AddFunc(fmt.Sprintf("@every %s", p.config.Period), func() {
		if err := p.tick(ctx); err != nil {
			select {
			case tickErrs <- err:
			default:
			}
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling health prober: %w", err)
	}

	c.Start()
	defer c.Stop()

	select {
	case <-ctx.Done():
		return nil
	case err := <-tickErrs:
		return err
	}
}

func (p *Prober) tick(ctx context.Context) error {
	nodes, err := p.allNodes(ctx)
	if err != nil {
		return fmt.Errorf("health tick: %w", err)
	}

	for _, n := range nodes {
		p.probeOne(ctx, n)
	}
	return nil
}

func (p *Prober) allNodes(ctx context.Context) ([]Node, error) {
	rows, err := p.store.db.QueryContext(ctx, nodeSelectColumns+` FROM pgautofailover.node ORDER BY nodeid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

func (p *Prober) probeOne(ctx context.Context, n Node) {
	if time.Since(p.startedAt) < p.config.StartupGracePeriod {
		return
	}

	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
		lastErr = p.dial(probeCtx, probeConnString(n))
		cancel()
		if lastErr == nil {
			p.record(ctx, n, fsm.HealthGood)
			return
		}
		if attempt < p.config.MaxRetries {
			time.Sleep(p.config.RetryDelay)
		}
	}

	log.Default().Warning("health probe failed", "node", n.NodeName, "err", lastErr)
	p.record(ctx, n, fsm.HealthBad)
}

func (p *Prober) record(ctx context.Context, n Node, health fsm.Health) {
	changed, err := p.store.UpdateHealth(ctx, n.NodeID, health)
	if err != nil && !errors.Is(err, ErrNodeNotFound) {
		log.Default().Warning("recording health failed", "node", n.NodeName, "err", err)
		return
	}
	if changed {
		log.Default().Info("node health transitioned", "node", n.NodeName, "health", health)
	}
}

// probeConnString builds a connection string with an identifiable user, as
// called out in spec.md §4.3, so the probe is recognisable in server logs
// and never collides with the replication user's connection slot.
func probeConnString(n Node) string {
	return fmt.Sprintf("host=%s port=%d user=pgautofailover_monitor dbname=postgres connect_timeout=5 sslmode=prefer",
		n.NodeHost, n.NodePort)
}

// pingPostgres implements spec.md §4.3's "ping" semantics: a TCP connect
// that reaches far enough into the protocol to get either an
// authentication request, a full handshake, or any SQLSTATE other than
// 57P03 counts as success. lib/pq's sql.Open+Ping surfaces exactly that
// distinction through pq.Error.
func pingPostgres(ctx context.Context, connStr string) error {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("opening probe connection: %w", err)
	}
	defer db.Close()

	err = db.PingContext(ctx)
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) != cannotConnectNow {
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err
	}
	return err
}

