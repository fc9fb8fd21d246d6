package database

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/whamcloud/lmgr/internal/common/mgrerrors"
)

type PostgresConfig struct {
	Connection   map[string]string `validate:"required"`
	MaxOpenConns int
}

// CreateConnectionString renders the connection map as a libpq keyword/value string.
// Keys are sorted so the output is stable.
func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := make([]string, 0, len(keys))
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	for _, k := range keys {
		result = append(result, k+"='"+replacer.Replace(values[k])+"'")
	}
	return strings.Join(result, " ")
}

func OpenPgxPool(config PostgresConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(CreateConnectionString(config.Connection))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if config.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(config.MaxOpenConns)
	}
	db, err := pgxpool.ConnectConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := db.Ping(context.Background()); err != nil {
		db.Close()
		return nil, errors.WithStack(err)
	}
	return db, nil
}

// ClassifyError turns integrity violations reported by postgres into fatal internal errors, which stop
// the affected job chain instead of being retried. Other errors are wrapped with a stack trace.
func ClassifyError(err error, operation string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation,
			pgerrcode.ForeignKeyViolation,
			pgerrcode.NotNullViolation,
			pgerrcode.CheckViolation,
			pgerrcode.RestrictViolation,
			pgerrcode.ExclusionViolation:
			return errors.WithStack(&mgrerrors.ErrFatalInternal{
				Message: fmt.Sprintf("integrity violation during %s (%s)", operation, pgErr.ConstraintName),
				Cause:   err,
			})
		}
	}
	return errors.Wrap(err, operation)
}
