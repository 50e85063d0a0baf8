package conn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/yanun0323/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// Option defines connection options for PostgreSQL.
type Option struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	Params     map[string]string
	ConnString string
	// Logger is handed to every gorm session. Nil silences gorm.
	Logger logger.Interface
}

// ConnConfig parses the option into a pgx connection config.
func (opt Option) ConnConfig() (*pgx.ConnConfig, error) {
	connString, err := opt.dsn()
	if err != nil {
		return nil, err
	}
	cfg, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres config")
	}
	return cfg, nil
}

// DialListener opens a plain pgx connection. It is meant for long blocking
// work such as LISTEN, which must not occupy a pooled session.
func DialListener(ctx context.Context, opt Option) (*pgx.Conn, error) {
	cfg, err := opt.ConnConfig()
	if err != nil {
		return nil, err
	}
	c, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres listener")
	}
	return c, nil
}

// Session pins exactly one physical PostgreSQL connection and exposes it
// through gorm.
type Session struct {
	sqlDB *sql.DB
	db    *gorm.DB
}

// OpenSession dials a single connection and wraps it with gorm.
func OpenSession(ctx context.Context, opt Option) (*Session, error) {
	cfg, err := opt.ConnConfig()
	if err != nil {
		return nil, err
	}

	sqlDB := stdlib.OpenDB(*cfg)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetConnMaxIdleTime(0)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	log := opt.Logger
	if log == nil {
		log = logger.Discard
	}
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{Logger: log})
	if err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "open gorm session")
	}

	return &Session{sqlDB: sqlDB, db: db}, nil
}

// NewSession wraps an already opened gorm handle. The handle must be limited
// to a single open connection.
func NewSession(db *gorm.DB) (*Session, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	return &Session{sqlDB: sqlDB, db: db}, nil
}

// DB returns the gorm handle bound to the session connection.
func (s *Session) DB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// Ping checks the session connection.
func (s *Session) Ping(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return sql.ErrConnDone
	}
	return s.sqlDB.PingContext(ctx)
}

// Close closes the session connection.
func (s *Session) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// IsBroken reports whether err means the connection it came from can no
// longer be trusted and should be discarded instead of reused.
func IsBroken(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if stderrors.Is(err, driver.ErrBadConn) || stderrors.Is(err, sql.ErrConnDone) {
		return true
	}
	if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) || stderrors.Is(err, net.ErrClosed) {
		return true
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		// class 08 connection exception, 57P0x operator intervention
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0")
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return !netErr.Timeout()
	}
	return false
}

func (opt Option) dsn() (string, error) {
	if opt.ConnString != "" {
		return opt.ConnString, nil
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}

	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}

	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}

	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}

	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	if len(query) != 0 {
		u.RawQuery = query.Encode()
	}

	return u.String(), nil
}

// SessionDialer dials pinned gorm sessions for the connection pool.
type SessionDialer struct {
	Option Option
}

func (d SessionDialer) Dial(ctx context.Context) (*Session, error) {
	return OpenSession(ctx, d.Option)
}

func (d SessionDialer) Close(s *Session) {
	_ = s.Close()
}

func (d SessionDialer) IsBroken(err error) bool {
	return IsBroken(err)
}
