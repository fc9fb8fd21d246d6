package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withRedisContactRepository(action func(repo *RedisContactRepository)) {
	db, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer db.Close()
	action(NewRedisContactRepository(redis.NewClient(&redis.Options{Addr: db.Addr()})))
}

func TestContactRepository(t *testing.T) {
	first := time.Unix(1665000000, 0)
	later := first.Add(10 * time.Second)

	tests := map[string]struct {
		contacts map[string][]time.Time
		expected map[string]time.Time
	}{
		"no contacts": {
			contacts: map[string][]time.Time{},
			expected: map[string]time.Time{},
		},
		"latest contact wins": {
			contacts: map[string][]time.Time{"oss0.local": {first, later}},
			expected: map[string]time.Time{"oss0.local": later},
		},
		"hosts are independent": {
			contacts: map[string][]time.Time{"oss0.local": {first}, "mds0.local": {later}},
			expected: map[string]time.Time{"oss0.local": first, "mds0.local": later},
		},
	}
	for name, tc := range tests {
		exercise := func(t *testing.T, repo ContactRepository) {
			for fqdn, times := range tc.contacts {
				for _, at := range times {
					require.NoError(t, repo.RecordContact(fqdn, at))
				}
			}
			contacts, err := repo.GetContacts()
			require.NoError(t, err)
			require.Len(t, contacts, len(tc.expected))
			for fqdn, at := range tc.expected {
				assert.True(t, at.Equal(contacts[fqdn]), "%s: expected %s, got %s", fqdn, at, contacts[fqdn])
			}
		}
		t.Run(name+" redis", func(t *testing.T) {
			withRedisContactRepository(func(repo *RedisContactRepository) {
				exercise(t, repo)
			})
		})
		t.Run(name+" memory", func(t *testing.T) {
			exercise(t, NewMemoryContactRepository())
		})
		t.Run(name+" sqlite", func(t *testing.T) {
			repo, closeRepo, err := NewSQLiteContactRepository(filepath.Join(t.TempDir(), "contacts.db"))
			require.NoError(t, err)
			defer closeRepo()
			exercise(t, repo)
		})
	}
}

func TestSQLiteContactRepository_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "contacts.db")
	at := time.Unix(1665000000, 0)

	repo, closeRepo, err := NewSQLiteContactRepository(path)
	require.NoError(t, err)
	require.NoError(t, repo.RecordContact("oss0.local", at))
	closeRepo()

	repo, closeRepo, err = NewSQLiteContactRepository(path)
	require.NoError(t, err)
	defer closeRepo()
	require.NoError(t, repo.Ping())
	contacts, err := repo.GetContacts()
	require.NoError(t, err)
	assert.True(t, at.Equal(contacts["oss0.local"]))
}
