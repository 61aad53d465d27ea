package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/fedroom/internal/crypto"
	"github.com/roach88/fedroom/internal/federation"
	"github.com/roach88/fedroom/internal/ir"
	"github.com/roach88/fedroom/internal/store"
	"github.com/roach88/fedroom/internal/testutil"
)

var testSeed = []byte("fedroom-engine-test-seed")

// testFederation is a set of servers sharing one in-process network and
// one key ring.
type testFederation struct {
	t       *testing.T
	network *federation.Network
	ring    *crypto.KeyRing
}

func newTestFederation(t *testing.T) *testFederation {
	t.Helper()
	return &testFederation{t: t, network: federation.NewNetwork(), ring: crypto.NewKeyRing()}
}

// testServer is one homeserver: store, crypto, engine and transport.
type testServer struct {
	name    string
	user    string
	store   *store.Store
	crypto  *crypto.Service
	engine  *Engine
	client  *federation.Client
	backoff *MemoryBackoff
}

func (f *testFederation) server(name string, opts ...EngineOption) *testServer {
	t := f.t
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	signer, err := crypto.NewDerivedSigner(testSeed, name)
	require.NoError(t, err)
	svc := crypto.NewService(signer, f.ring)
	client := federation.NewClient(f.network, name, 0, 0)
	backoff := NewMemoryBackoff(DefaultBackoffBase)

	clock := testutil.NewDeterministicClockAt(1_700_000_000_000, 1000)
	base := []EngineOption{
		WithTransport(client),
		WithBackoff(backoff),
		WithIDGenerator(NewFixedGenerator(name)),
		WithClock(clock.Now),
	}
	eng, err := New(context.Background(), st, svc, append(base, opts...)...)
	require.NoError(t, err)
	f.network.Register(name, eng.Responder())

	return &testServer{
		name:    name,
		user:    "@user:" + name,
		store:   st,
		crypto:  svc,
		engine:  eng,
		client:  client,
		backoff: backoff,
	}
}

// createRoom creates a public room owned by the server's user.
func (s *testServer) createRoom(t *testing.T) string {
	t.Helper()
	roomID, err := s.engine.CreateRoom(context.Background(), s.user, "10", PresetPublic)
	require.NoError(t, err)
	return roomID
}

// send authors a message.
func (s *testServer) send(t *testing.T, roomID, sender, body string) *ir.Event {
	t.Helper()
	content, err := json.Marshal(map[string]string{"msgtype": "m.text", "body": body})
	require.NoError(t, err)
	ev, err := s.engine.AuthorAndCommit(context.Background(), ir.TypeMessage, content, nil, sender, roomID)
	require.NoError(t, err)
	return ev
}

// setState authors a state event.
func (s *testServer) setState(t *testing.T, roomID, sender, typ, key string, content any) (*ir.Event, error) {
	t.Helper()
	raw, err := ir.MarshalCanonical(content)
	require.NoError(t, err)
	return s.engine.AuthorAndCommit(context.Background(), typ, raw, ir.StringPtr(key), sender, roomID)
}

// push delivers ev from its origin to s as a timeline event.
func (s *testServer) push(t *testing.T, ev *ir.Event) error {
	t.Helper()
	raw, err := ev.JSON()
	require.NoError(t, err)
	return s.engine.IngestRemote(context.Background(), ev.Origin, ev.EventID, ev.RoomID, "", raw, true)
}

// join makes guest's user a member of host's room: guest imports the room
// at host's newest extremity, authors the join and host ingests it.
func join(t *testing.T, host, guest *testServer, roomID string) *ir.Event {
	t.Helper()
	ctx := context.Background()
	ext, err := host.store.Extremities(ctx, roomID)
	require.NoError(t, err)
	require.NotEmpty(t, ext)

	require.NoError(t, guest.engine.ImportRoom(ctx, host.name, roomID, "10", ext[len(ext)-1]))
	joinEv, err := guest.setState(t, roomID, guest.user, ir.TypeMember, guest.user,
		map[string]any{"membership": ir.MembershipJoin})
	require.NoError(t, err)
	require.NoError(t, host.push(t, joinEv))
	return joinEv
}

// currentState returns a room's current state.
func (s *testServer) currentState(t *testing.T, roomID string) map[ir.StateField]string {
	t.Helper()
	state, _, err := s.store.CurrentState(context.Background(), roomID)
	require.NoError(t, err)
	return state
}

// extremities returns a room's forward extremities.
func (s *testServer) extremities(t *testing.T, roomID string) []string {
	t.Helper()
	ext, err := s.store.Extremities(context.Background(), roomID)
	require.NoError(t, err)
	return ext
}

func memberField(user string) ir.StateField {
	return ir.StateField{Type: ir.TypeMember, StateKey: user}
}
