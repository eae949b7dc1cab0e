package httpcache

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/i474232898/air-quality-aggregation/internal/logging"
)

var bucketResponses = []byte("responses")

// Bolt is a Cache persisted in a bbolt file, so cached pages survive restarts.
// Each value is the 8-byte expiry (unix nanoseconds) followed by the body.
type Bolt struct {
	db  *bbolt.DB
	ttl time.Duration
	now func() time.Time
}

var _ Cache = (*Bolt)(nil)

// OpenBolt opens (or creates) a bbolt-backed response cache.
func OpenBolt(fname string, ttl time.Duration) (*Bolt, error) {
	db, err := bbolt.Open(fname, 0644, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("could not open response cache db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResponses)
		if err != nil {
			return fmt.Errorf("could not create %q bucket: %w", bucketResponses, err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not setup response cache db: %w", err)
	}

	return &Bolt{db: db, ttl: ttl, now: time.Now}, nil
}

// Close closes the underlying database.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	if err != nil {
		return fmt.Errorf("could not close response cache db: %w", err)
	}
	return nil
}

// Get returns the body for key if present and not expired.
func (b *Bolt) Get(key string) ([]byte, bool) {
	var body []byte
	expired := false

	err := b.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketResponses)
		if bkt == nil {
			return fmt.Errorf("could not find %q bucket", bucketResponses)
		}
		v := bkt.Get([]byte(key))
		if len(v) < 8 {
			return nil
		}
		exp := time.Unix(0, int64(binary.LittleEndian.Uint64(v[:8])))
		if b.now().After(exp) {
			expired = true
			return nil
		}
		// v is only valid during the transaction.
		body = append([]byte(nil), v[8:]...)
		return nil
	})
	if err != nil {
		logging.Warn().Err(err).Msg("response cache read failed")
		return nil, false
	}

	if expired {
		_ = b.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketResponses).Delete([]byte(key))
		})
		return nil, false
	}
	return body, body != nil
}

// Set stores body under key for the cache TTL.
func (b *Bolt) Set(key string, body []byte) {
	v := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint64(v[:8], uint64(b.now().Add(b.ttl).UnixNano()))
	copy(v[8:], body)

	err := b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketResponses)
		if bkt == nil {
			return fmt.Errorf("could not access %q bucket", bucketResponses)
		}
		return bkt.Put([]byte(key), v)
	})
	if err != nil {
		logging.Warn().Err(err).Str("key", key).Msg("response cache write failed")
	}
}
