package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/PortNumber53/subsync/internal/apperr"
	"github.com/PortNumber53/subsync/internal/logger"
	"github.com/PortNumber53/subsync/internal/metrics"
	"github.com/PortNumber53/subsync/internal/retry"
)

// Provisioner creates the schema on demand. It is called at most once per
// operation when Postgres reports a missing table.
type Provisioner func(ctx context.Context) error

// Store provides database-backed accessors for subscription records.
type Store struct {
	db        *sql.DB
	policy    retry.Policy
	provision Provisioner
	log       *zap.Logger
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithRetryPolicy overrides the default three-retry linear backoff.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Store) { s.policy = p }
}

// WithProvisioner installs the lazy schema provisioner.
func WithProvisioner(p Provisioner) Option {
	return func(s *Store) { s.provision = p }
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = logger.Component(l, "store")
		}
	}
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	s := &Store{
		db:     db,
		policy: retry.Default(),
		log:    zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ping checks connectivity without retrying.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperr.Wrap(apperr.KindTransientStore, "store.ping", err)
	}
	return nil
}

// withRetry runs fn under the store retry policy. Errors are classified so
// that only connectivity-style failures are retried; a missing table triggers
// one provisioning attempt followed by a single immediate retry.
func (s *Store) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	provisioned := false
	policy := s.policy
	policy.OnRetry = func(n int, delay time.Duration, err error) {
		metrics.StoreRetries.WithLabelValues(op).Inc()
		s.log.Warn("store operation failed, retrying",
			zap.String("op", op),
			zap.Int("retry", n),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	return retry.Do(ctx, policy, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && isUndefinedTable(err) && !provisioned && s.provision != nil {
			provisioned = true
			metrics.StoreProvisions.Inc()
			s.log.Warn("schema missing, provisioning", zap.String("op", op), zap.Error(err))
			if perr := s.provision(ctx); perr != nil {
				return apperr.Wrapf(apperr.KindInternal, "store."+op, perr, "provision schema after %v", err)
			}
			err = fn(ctx)
		}
		return classify(op, err)
	})
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if isTransient(err) {
		return apperr.Wrap(apperr.KindTransientStore, "store."+op, err)
	}
	return apperr.Wrap(apperr.KindInternal, "store."+op, err)
}

func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "42P01"
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case strings.HasPrefix(code, "08"), // connection exception
			strings.HasPrefix(code, "53"), // insufficient resources
			code == "57P01", code == "57P02", code == "57P03",
			code == "40001", code == "40P01":
			return true
		}
		return false
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	v := value.Time
	return &v
}

func wrapf(op string, err error) error {
	return fmt.Errorf("store: %s: %w", op, err)
}
