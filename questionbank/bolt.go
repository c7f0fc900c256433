package questionbank

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/Meander-Cloud/go-buzzer/model"
)

var questionBucket = []byte("questions")

// BoltBank persists questions in a bbolt file, msgpack encoded under
// sequence keys.
type BoltBank struct {
	db  *bolt.DB
	log zerolog.Logger
}

func OpenBolt(path string, logPrefix string) (*BoltBank, error) {
	logger := log.With().Str("component", logPrefix).Logger()

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		err = fmt.Errorf("failed to open question bank %s, err=%w", path, err)
		logger.Error().Err(err).Send()
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(questionBucket)
		return err
	})
	if err != nil {
		db.Close()
		err = fmt.Errorf("failed to create bucket, err=%w", err)
		logger.Error().Err(err).Send()
		return nil, err
	}

	logger.Info().Str("path", path).Msg("question bank opened")
	return &BoltBank{
		db:  db,
		log: logger,
	}, nil
}

func (b *BoltBank) Close() error {
	return b.db.Close()
}

func (b *BoltBank) Store(ctx context.Context, questions []model.Question) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(questionBucket)
		for i := range questions {
			seq, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			value, err := msgpack.Marshal(&questions[i])
			if err != nil {
				return err
			}
			err = bucket.Put(sequenceKey(seq), value)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		err = fmt.Errorf("failed to store %d questions, err=%w", len(questions), err)
		b.log.Error().Err(err).Send()
		return err
	}

	b.log.Info().Int("count", len(questions)).Msg("questions stored")
	return nil
}

func (b *BoltBank) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(questionBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (b *BoltBank) FetchRandom(ctx context.Context) (*model.Question, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var q *model.Question
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(questionBucket)
		n := bucket.Stats().KeyN
		if n == 0 {
			return nil
		}

		skip := rand.IntN(n)
		c := bucket.Cursor()
		k, v := c.First()
		for ; k != nil && skip > 0; k, v = c.Next() {
			skip--
		}
		if k == nil {
			return fmt.Errorf("cursor exhausted before index")
		}

		q = &model.Question{}
		return msgpack.Unmarshal(v, q)
	})
	if err != nil {
		err = fmt.Errorf("failed to fetch random question, err=%w", err)
		b.log.Error().Err(err).Send()
		return nil, err
	}

	return q, nil
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
