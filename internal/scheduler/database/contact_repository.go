package database

import (
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

const hostContactKey = "lmgr_host_contact"

// ContactRepository records when each agent host was last heard from.
type ContactRepository interface {
	RecordContact(fqdn string, at time.Time) error
	GetContacts() (map[string]time.Time, error)
}

// RedisContactRepository keeps last contact times in a redis hash keyed by fqdn.
type RedisContactRepository struct {
	db redis.UniversalClient
}

func NewRedisContactRepository(db redis.UniversalClient) *RedisContactRepository {
	return &RedisContactRepository{db: db}
}

func (r *RedisContactRepository) RecordContact(fqdn string, at time.Time) error {
	pipe := r.db.TxPipeline()
	pipe.HSet(hostContactKey, fqdn, strconv.FormatInt(at.UnixNano(), 10))
	if _, err := pipe.Exec(); err != nil {
		return errors.Wrap(err, "error storing host contact in redis")
	}
	return nil
}

func (r *RedisContactRepository) GetContacts() (map[string]time.Time, error) {
	result, err := r.db.HGetAll(hostContactKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "error retrieving host contacts from redis")
	}
	contacts := make(map[string]time.Time, len(result))
	for fqdn, v := range result {
		nanos, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed contact time for %s", fqdn)
		}
		contacts[fqdn] = time.Unix(0, nanos)
	}
	return contacts, nil
}

type MemoryContactRepository struct {
	mu       sync.Mutex
	contacts map[string]time.Time
}

func NewMemoryContactRepository() *MemoryContactRepository {
	return &MemoryContactRepository{contacts: map[string]time.Time{}}
}

func (r *MemoryContactRepository) RecordContact(fqdn string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts[fqdn] = at
	return nil
}

func (r *MemoryContactRepository) GetContacts() (map[string]time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]time.Time, len(r.contacts))
	for k, v := range r.contacts {
		out[k] = v
	}
	return out, nil
}
