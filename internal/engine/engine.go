package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/fedroom/internal/auth"
	"github.com/roach88/fedroom/internal/crypto"
	"github.com/roach88/fedroom/internal/federation"
	"github.com/roach88/fedroom/internal/ir"
	"github.com/roach88/fedroom/internal/stateres"
	"github.com/roach88/fedroom/internal/store"
)

// Crypto signs, hashes and verifies events for the local server.
// Implemented by *crypto.Service.
type Crypto interface {
	ServerName() string
	Verify(rules ir.RoomRules, ev *ir.Event) crypto.VerifyResult
	SignAndHash(rules ir.RoomRules, ev *ir.Event) (*ir.Event, error)
	DeriveEventID(rules ir.RoomRules, ev *ir.Event) (string, error)
	ContentHash(ev *ir.Event) ([]byte, error)
}

// Persistence is the durable storage the engine drives.
// Implemented by *store.Store.
type Persistence interface {
	CreateRoom(ctx context.Context, roomID, version string) error
	Room(ctx context.Context, roomID string) (store.Room, error)
	SetMinDepth(ctx context.Context, roomID string, depth int64) error
	PutEvent(ctx context.Context, ev *ir.Event) (bool, error)
	Event(ctx context.Context, eventID string) (*ir.Event, error)
	HasEvent(ctx context.Context, eventID string) (bool, error)
	IsTimeline(ctx context.Context, eventID string) (bool, error)
	MarkSoftFailed(ctx context.Context, eventID string) error
	MarkRejected(ctx context.Context, eventID, reason string) error
	MaxSN(ctx context.Context) (int64, error)
	Extremities(ctx context.Context, roomID string) ([]string, error)
	SaveStateFrame(ctx context.Context, roomID string, state map[ir.StateField]string) (int64, error)
	CurrentState(ctx context.Context, roomID string) (map[ir.StateField]string, int64, error)
	StateBefore(ctx context.Context, eventID string) (map[ir.StateField]string, bool, error)
	Commit(ctx context.Context, c store.Commit) error
	Timeline(ctx context.Context, roomID string, afterSN int64, limit int) ([]*ir.Event, error)
}

var (
	_ Crypto      = (*crypto.Service)(nil)
	_ Persistence = (*store.Store)(nil)
)

// CommitHook observes every event appended to a room timeline. Hooks run
// after the commit is durable, while the room lock is still held, so they
// see commits of one room in order.
type CommitHook func(ctx context.Context, ev *ir.Event)

// Engine ingests remote events, authors local ones and keeps each room's
// timeline, state and forward extremities consistent.
//
// Thread-safety model:
//   - IngestRemote, AuthorAndCommit, ResolveState: safe from any goroutine
//   - commits to one room are serialised by the room lock
//   - concurrent attempts on one event id are serialised by its SeqGuard
//   - Run(): drains the inbox; call from at most one goroutine
type Engine struct {
	server    string
	db        Persistence
	crypto    Crypto
	transport federation.Transport
	locks     *RoomLocks
	seq       *SeqAllocator
	backoff   RateLimiter
	ids       IDGenerator
	metrics   *engineMetrics
	tracer    trace.Tracer
	budget    int
	now       func() time.Time
	hooks     []CommitHook
	inbox     *inbox

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTransport sets the peer transport. Without one, every fetch fails
// as unreachable and ingestion relies on what is already stored.
func WithTransport(t federation.Transport) EngineOption {
	return func(e *Engine) {
		e.transport = t
	}
}

// WithBackoff sets the backoff registry.
// Default: an in-memory registry with DefaultBackoffBase.
func WithBackoff(b RateLimiter) EngineOption {
	return func(e *Engine) {
		e.backoff = b
	}
}

// WithFetchBudget sets how many events one ingestion attempt may fetch.
// Default: DefaultFetchBudget.
func WithFetchBudget(n int) EngineOption {
	return func(e *Engine) {
		e.budget = n
	}
}

// WithIDGenerator sets the correlation id and room id generator.
// Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithClock sets the wall clock used for timestamps and backoff.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider.
// Default: the global provider.
func WithMeterProvider(mp metric.MeterProvider) EngineOption {
	return func(e *Engine) {
		e.meterProvider = mp
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
// Default: the global provider.
func WithTracerProvider(tp trace.TracerProvider) EngineOption {
	return func(e *Engine) {
		e.tracerProvider = tp
	}
}

// WithCommitHook registers a hook fired after every timeline commit.
func WithCommitHook(h CommitHook) EngineOption {
	return func(e *Engine) {
		e.hooks = append(e.hooks, h)
	}
}

// New creates an engine over db. The sequence allocator is seeded from the
// highest SN in the store, so SNs keep increasing across restarts.
func New(ctx context.Context, db Persistence, c Crypto, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		server:    c.ServerName(),
		db:        db,
		crypto:    c,
		transport: unreachable{},
		locks:     NewRoomLocks(),
		ids:       UUIDv7Generator{},
		budget:    DefaultFetchBudget,
		now:       time.Now,
		inbox:     newInbox(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.backoff == nil {
		e.backoff = NewMemoryBackoff(DefaultBackoffBase)
	}
	if e.meterProvider == nil {
		e.meterProvider = otel.GetMeterProvider()
	}
	if e.tracerProvider == nil {
		e.tracerProvider = otel.GetTracerProvider()
	}
	e.tracer = e.tracerProvider.Tracer(instrumentationName)

	m, err := newEngineMetrics(e.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("new engine: %w", err)
	}
	e.metrics = m

	last, err := db.MaxSN(ctx)
	if err != nil {
		return nil, fmt.Errorf("new engine: %w", err)
	}
	e.seq = NewSeqAllocator(last)

	slog.Debug("engine ready", "server", e.server, "last_sn", last)
	return e, nil
}

// ServerName returns the local server name.
func (e *Engine) ServerName() string {
	return e.server
}

// Seq returns the sequence allocator.
func (e *Engine) Seq() *SeqAllocator {
	return e.seq
}

// Locks returns the room lock registry.
func (e *Engine) Locks() *RoomLocks {
	return e.locks
}

// Backoff returns the backoff registry.
func (e *Engine) Backoff() RateLimiter {
	return e.backoff
}

// Responder returns a peer query handler over the engine's store.
func (e *Engine) Responder() *Responder {
	return NewResponder(e.db)
}

// roomRules loads a room and its rule set, refusing unknown and disabled
// rooms.
func (e *Engine) roomRules(ctx context.Context, roomID string) (store.Room, ir.RoomRules, error) {
	room, err := e.db.Room(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Room{}, ir.RoomRules{}, newIngestError(ErrCodeUnknownRoom, roomID, "", "room not known", nil)
	}
	if err != nil {
		return store.Room{}, ir.RoomRules{}, newIngestError(ErrCodeTransient, roomID, "", "load room", err)
	}
	if room.Disabled {
		return store.Room{}, ir.RoomRules{}, newIngestError(ErrCodeRoomDisabled, roomID, "", "federation disabled for room", nil)
	}
	rules, ok := ir.Rules(room.Version)
	if !ok {
		return store.Room{}, ir.RoomRules{}, newIngestError(ErrCodeStructural, roomID, "",
			fmt.Sprintf("unsupported room version %q", room.Version), nil)
	}
	return room, rules, nil
}

// fetcher exposes stored events to state resolution.
func (e *Engine) fetcher() stateres.EventFetcher {
	return storeFetcher{db: e.db}
}

// stateProvider wraps a state map for authorization checks.
func (e *Engine) stateProvider(ctx context.Context, state stateres.StateMap) auth.StateProvider {
	return stateres.NewForkState(ctx, state, e.fetcher())
}

// lookup resolves stored events for redaction checks.
func (e *Engine) lookup(ctx context.Context) auth.EventLookup {
	return func(eventID string) (*ir.Event, bool) {
		ev, err := e.db.Event(ctx, eventID)
		if err != nil {
			return nil, false
		}
		return ev, true
	}
}

// loadEvents returns the stored events for ids and the ids not stored.
func (e *Engine) loadEvents(ctx context.Context, ids []string) ([]*ir.Event, []string, error) {
	events := make([]*ir.Event, 0, len(ids))
	missing := []string{}
	for _, id := range ids {
		ev, err := e.db.Event(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		events = append(events, ev)
	}
	return events, missing, nil
}

// storeFetcher adapts Persistence to stateres.EventFetcher.
type storeFetcher struct {
	db Persistence
}

func (f storeFetcher) FetchEvent(ctx context.Context, eventID string) (*ir.Event, error) {
	ev, err := f.db.Event(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", eventID, stateres.ErrNotFound)
	}
	return ev, err
}

// unreachable is the transport of an engine with no peers.
type unreachable struct{}

func (unreachable) FetchEvent(context.Context, string, string) (json.RawMessage, error) {
	return nil, federation.ErrUnreachable
}

func (unreachable) FetchMissingEvents(context.Context, string, federation.MissingEventsRequest) ([]json.RawMessage, error) {
	return nil, federation.ErrUnreachable
}

func (unreachable) FetchAuthChain(context.Context, string, string, string) ([]json.RawMessage, error) {
	return nil, federation.ErrUnreachable
}

func (unreachable) FetchStateAtEvent(context.Context, string, string, string) (federation.StateResponse, error) {
	return federation.StateResponse{}, federation.ErrUnreachable
}

func (unreachable) FetchBackfill(context.Context, string, string, []string, int) ([]json.RawMessage, error) {
	return nil, federation.ErrUnreachable
}
