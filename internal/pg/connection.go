package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

// Connection is a thin wrapper over pgconn for the places where we speak the
// wire protocol directly: replication commands, COPY streaming, and the
// simple-protocol queries issued on the snapshot connection.
type Connection interface {
	Connect(ctx context.Context) error
	Exec(ctx context.Context, sql string) *pgconn.MultiResultReader
	ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error)
	Frontend() *pgproto3.Frontend
	PgConn() *pgconn.PgConn
	IsClosed() bool
	Close(ctx context.Context) error
}

type connection struct {
	dsn  string
	conn *pgconn.PgConn
}

func NewConnection(ctx context.Context, dsn string) (Connection, error) {
	c := &connection{dsn: dsn}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// NewConnectionTemplate returns a Connection that dials lazily on Connect.
func NewConnectionTemplate(dsn string) Connection {
	return &connection{dsn: dsn}
}

func (c *connection) Connect(ctx context.Context) error {
	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}

	conn, err := pgconn.Connect(ctx, c.dsn)
	if err != nil {
		return fmt.Errorf("postgres connection: %w", err)
	}

	c.conn = conn
	return nil
}

func (c *connection) Exec(ctx context.Context, sql string) *pgconn.MultiResultReader {
	return c.conn.Exec(ctx, sql)
}

func (c *connection) ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error) {
	return c.conn.ReceiveMessage(ctx)
}

func (c *connection) Frontend() *pgproto3.Frontend {
	return c.conn.Frontend()
}

func (c *connection) PgConn() *pgconn.PgConn {
	return c.conn
}

func (c *connection) IsClosed() bool {
	return c.conn == nil || c.conn.IsClosed()
}

func (c *connection) Close(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close(ctx)
}
