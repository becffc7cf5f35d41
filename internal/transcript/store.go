// Package transcript keeps the public record of prover sessions in a bbolt
// file: the parameters sent at init and every resolved round.
package transcript

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zkauth/fsid/common/log"
	"github.com/zkauth/fsid/internal/protocol"
)

// StoreOpenPerm is the permission used for the transcript file.
const StoreOpenPerm = 0o660

// ErrUnknownSession is returned when reading a session that was never recorded.
var ErrUnknownSession = errors.New("unknown session")

var (
	sessionsBucket = []byte("sessions")
	initKey        = []byte("init")
)

// Session is the stored init of a prover session.
type Session struct {
	ID      string    `json:"-"`
	N       string    `json:"n"`
	V       string    `json:"v"`
	Started time.Time `json:"started"`
	Rounds  int       `json:"-"`
}

// Round is a stored round. Only public values are kept.
type Round struct {
	Index             int           `json:"index"`
	X                 string        `json:"x"`
	Challenge         uint          `json:"b"`
	Y                 string        `json:"y"`
	State             string        `json:"state"`
	InvalidChallenges int           `json:"invalid_challenges"`
	Duration          time.Duration `json:"duration"`
}

// Store records transcripts in bbolt. It implements protocol.Recorder.
type Store struct {
	db  *bolt.DB
	log log.Logger
}

var _ protocol.Recorder = (*Store)(nil)

// Open opens or creates the transcript file at path. opts may be nil.
func Open(ctx context.Context, l log.Logger, path string, opts *bolt.Options) (*Store, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	db, err := bolt.Open(path, StoreOpenPerm, opts)
	if err != nil {
		return nil, fmt.Errorf("opening transcript %s: %w", path, err)
	}
	if opts == nil || !opts.ReadOnly {
		// create the bucket already
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(sessionsBucket)
			return err
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return &Store{db: db, log: l.Named("transcript")}, nil
}

// Close releases the file lock.
func (s *Store) Close() error {
	err := s.db.Close()
	if err != nil {
		s.log.Errorw("", "boltdb", "close", "err", err)
	}
	return err
}

// RecordInit stores the public parameters of a new session.
func (s *Store) RecordInit(ctx context.Context, sessionID string, pub protocol.PublicParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if pub.N == nil || pub.V == nil {
		return fmt.Errorf("%w: n and v are required", protocol.ErrInvalidParams)
	}

	value, err := json.Marshal(Session{N: pub.N.String(), V: pub.V.String(), Started: time.Now().UTC()})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(sessionsBucket).CreateBucketIfNotExists([]byte(sessionID))
		if err != nil {
			return err
		}
		return bucket.Put(initKey, value)
	})
}

// RecordRound stores rec under its index. The session must have been
// initialized.
func (s *Store) RecordRound(ctx context.Context, sessionID string, rec protocol.RoundRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(Round{
		Index:             rec.Index,
		X:                 decimal(rec.X),
		Challenge:         rec.Challenge,
		Y:                 decimal(rec.Y),
		State:             rec.State.String(),
		InvalidChallenges: rec.InvalidChallenges,
		Duration:          rec.Duration,
	})
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sessionsBucket).Bucket([]byte(sessionID))
		if bucket == nil {
			return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
		}
		// rounds are appended in order
		bucket.FillPercent = 1.0
		err := bucket.Put(roundToBytes(rec.Index), value)
		if err != nil {
			s.log.Errorw("storing round", "session", sessionID, "round", rec.Index, "err", err)
		}
		return err
	})
}

// Sessions lists the recorded sessions with their round counts.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Session
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(sessionsBucket)
		if root == nil {
			return nil
		}
		return root.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			sess, err := readSession(root.Bucket(k), string(k))
			if err != nil {
				return err
			}
			out = append(out, sess)
			return nil
		})
	})
	return out, err
}

// Session returns the stored init of a session.
func (s *Store) Session(ctx context.Context, sessionID string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	var sess Session
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket, err := sessionBucket(tx, sessionID)
		if err != nil {
			return err
		}
		sess, err = readSession(bucket, sessionID)
		return err
	})
	return sess, err
}

// Rounds returns the rounds of a session ordered by index.
func (s *Store) Rounds(ctx context.Context, sessionID string) ([]Round, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Round
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket, err := sessionBucket(tx, sessionID)
		if err != nil {
			return err
		}
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if len(k) != 8 {
				continue
			}
			var r Round
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decoding round %d: %w", bytesToRound(k), err)
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

func sessionBucket(tx *bolt.Tx, sessionID string) (*bolt.Bucket, error) {
	root := tx.Bucket(sessionsBucket)
	if root == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	bucket := root.Bucket([]byte(sessionID))
	if bucket == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return bucket, nil
}

func readSession(bucket *bolt.Bucket, id string) (Session, error) {
	var sess Session
	raw := bucket.Get(initKey)
	if raw == nil {
		return sess, fmt.Errorf("%w: %s has no init", ErrUnknownSession, id)
	}
	if err := json.Unmarshal(raw, &sess); err != nil {
		return sess, fmt.Errorf("decoding session %s: %w", id, err)
	}
	sess.ID = id
	// every key but init is a round
	sess.Rounds = bucket.Stats().KeyN - 1
	return sess, nil
}

func decimal(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

// roundToBytes encodes the round index big-endian so keys sort by round.
func roundToBytes(r int) []byte {
	var buff [8]byte
	binary.BigEndian.PutUint64(buff[:], uint64(r))
	return buff[:]
}

func bytesToRound(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
