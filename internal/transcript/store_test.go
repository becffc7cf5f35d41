package transcript

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/zkauth/fsid/common/testlogger"
	"github.com/zkauth/fsid/internal/protocol"
	"github.com/zkauth/fsid/internal/transport"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(context.Background(), testlogger.New(t), path, nil)
	require.NoError(t, err)
	return store
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "transcript.db")
	store := openStore(t, path)

	pub := protocol.PublicParams{N: big.NewInt(235), V: big.NewInt(89)}
	require.NoError(t, store.RecordInit(ctx, "s1", pub))

	// stored out of order, read back by index
	for _, idx := range []int{2, 1, 300} {
		require.NoError(t, store.RecordRound(ctx, "s1", protocol.RoundRecord{
			Index:     idx,
			X:         big.NewInt(150),
			Challenge: 1,
			Y:         big.NewInt(40),
			State:     protocol.ResponseSent,
			Duration:  time.Duration(idx) * time.Millisecond,
		}))
	}

	rounds, err := store.Rounds(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, rounds, 3)
	require.Equal(t, []int{1, 2, 300}, []int{rounds[0].Index, rounds[1].Index, rounds[2].Index})
	require.Equal(t, "150", rounds[0].X)
	require.Equal(t, "40", rounds[0].Y)
	require.Equal(t, uint(1), rounds[0].Challenge)
	require.Equal(t, "response-sent", rounds[0].State)
	require.Equal(t, 300*time.Millisecond, rounds[2].Duration)

	require.NoError(t, store.Close())

	// survives a reopen, read-only
	ro, err := Open(ctx, testlogger.New(t), path, &bolt.Options{ReadOnly: true})
	require.NoError(t, err)
	defer func() { require.NoError(t, ro.Close()) }()

	sessions, err := ro.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "s1", sessions[0].ID)
	require.Equal(t, "235", sessions[0].N)
	require.Equal(t, "89", sessions[0].V)
	require.Equal(t, 3, sessions[0].Rounds)
	require.False(t, sessions[0].Started.IsZero())

	sess, err := ro.Session(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, sessions[0], sess)
}

func TestStoreUnknownSession(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "transcript.db"))
	defer store.Close()

	err := store.RecordRound(ctx, "missing", protocol.RoundRecord{Index: 1, X: big.NewInt(1), Y: big.NewInt(1)})
	require.ErrorIs(t, err, ErrUnknownSession)

	_, err = store.Rounds(ctx, "missing")
	require.ErrorIs(t, err, ErrUnknownSession)

	_, err = store.Session(ctx, "missing")
	require.ErrorIs(t, err, ErrUnknownSession)

	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	require.Empty(t, sessions)

	require.Error(t, store.RecordInit(ctx, "bad", protocol.PublicParams{}))
}

func TestStoreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Open(ctx, testlogger.New(t), filepath.Join(t.TempDir(), "transcript.db"), nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestStoreRecordsEngineSession(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "transcript.db"))
	defer store.Close()

	params, err := protocol.NewParams(big.NewInt(5), big.NewInt(47), big.NewInt(123))
	require.NoError(t, err)

	broker := transport.NewBroker(transport.WithBrokerLogger(testlogger.New(t)))
	s, err := broker.Dial(ctx)
	require.NoError(t, err)
	defer s.Close()

	// challenges queued before the rounds start are taken one per round
	for _, b := range []string{"1", "0"} {
		require.NoError(t, s.Publish(ctx, protocol.DefaultChannels().Challenge, []byte(b)))
	}

	e := protocol.NewEngine(s,
		protocol.WithLogger(testlogger.New(t)),
		protocol.WithParams(params),
		protocol.WithRecorder(store),
		protocol.WithSessionID("fixture"),
		protocol.WithPollTimeout(50*time.Millisecond),
	)
	_, err = e.Initialize(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Run(ctx, 2))

	rounds, err := store.Rounds(ctx, "fixture")
	require.NoError(t, err)
	require.Len(t, rounds, 2)
	require.Equal(t, uint(1), rounds[0].Challenge)
	require.Equal(t, uint(0), rounds[1].Challenge)
	for _, r := range rounds {
		require.Equal(t, "response-sent", r.State)
		x, ok := new(big.Int).SetString(r.X, 10)
		require.True(t, ok)
		y, ok := new(big.Int).SetString(r.Y, 10)
		require.True(t, ok)

		lhs := new(big.Int).Exp(y, big.NewInt(2), params.N())
		rhs := new(big.Int).Set(x)
		if r.Challenge == 1 {
			rhs.Mul(rhs, params.V()).Mod(rhs, params.N())
		}
		require.Equal(t, 0, lhs.Cmp(rhs))
	}

	sess, err := store.Session(ctx, "fixture")
	require.NoError(t, err)
	require.Equal(t, "235", sess.N)
	require.Equal(t, 2, sess.Rounds)
}
