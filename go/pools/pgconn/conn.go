// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pgconn provides PostgreSQL connections for connpool, backed by the
// lib/pq driver. Sockets are dialed through a connregistry.Dialer so that the
// process can report which connections are still open.
package pgconn

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/lib/pq"

	"github.com/multigres/poolsnap/go/connregistry"
	"github.com/multigres/poolsnap/go/pools/connpool"
)

var _ connpool.Connection = (*Conn)(nil)

// ErrConnClosed is returned when using a connection after Close.
var ErrConnClosed = errors.New("connection is closed")

// Connector opens lib/pq connections for one data source.
type Connector struct {
	connector *pq.Connector
}

// NewConnector parses dsn (a URL or key=value string) and returns a
// Connector whose sockets are dialed by dialer. A nil dialer uses lib/pq's
// default dialer.
func NewConnector(dsn string, dialer *connregistry.Dialer) (*Connector, error) {
	c, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid data source: %w", err)
	}
	if dialer != nil {
		c.Dialer(dialer)
	}
	return &Connector{connector: c}, nil
}

// Driver returns the underlying database/sql connector, for use with
// sql.OpenDB.
func (c *Connector) Driver() driver.Connector {
	return c.connector
}

// Connect opens a new connection. It is shaped to be used as a connpool
// factory.
func (c *Connector) Connect(ctx context.Context) (*Conn, error) {
	dc, err := c.connector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: dc}, nil
}

// Conn is a single PostgreSQL connection.
type Conn struct {
	// mu serializes use of the driver connection, which is not safe for
	// concurrent use.
	mu     sync.Mutex
	conn   driver.Conn
	closed atomic.Bool
	// broken is set when the driver reports the connection unusable.
	broken atomic.Bool
}

// IsClosed implements connpool.Connection. A connection the driver marked
// bad reports closed so the pool discards it.
func (c *Conn) IsClosed() bool {
	if c.closed.Load() || c.broken.Load() {
		return true
	}
	if v, ok := c.conn.(driver.Validator); ok {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !v.IsValid()
	}
	return false
}

// Close implements connpool.Connection. It sends a Terminate message and
// closes the socket. Closing twice is a no-op.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// Ping checks that the server is reachable over this connection.
func (c *Conn) Ping(ctx context.Context) error {
	return c.do(func() error {
		p, ok := c.conn.(driver.Pinger)
		if !ok {
			_, err := c.exec(ctx, "SELECT 1")
			return err
		}
		return p.Ping(ctx)
	})
}

// Exec runs a statement that returns no rows and reports the affected row
// count.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := c.do(func() error {
		var err error
		n, err = c.exec(ctx, query, args...)
		return err
	})
	return n, err
}

// QueryRow runs query and returns the values of its first row, or nil if it
// returned no rows.
func (c *Conn) QueryRow(ctx context.Context, query string, args ...any) ([]any, error) {
	var row []any
	err := c.do(func() error {
		q, ok := c.conn.(driver.QueryerContext)
		if !ok {
			return errors.New("driver does not support queries")
		}
		rows, err := q.QueryContext(ctx, query, namedValues(args))
		if err != nil {
			return err
		}
		defer rows.Close()

		dest := make([]driver.Value, len(rows.Columns()))
		if err := rows.Next(dest); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		row = make([]any, len(dest))
		for i, v := range dest {
			row[i] = v
		}
		return nil
	})
	return row, err
}

func (c *Conn) exec(ctx context.Context, query string, args ...any) (int64, error) {
	e, ok := c.conn.(driver.ExecerContext)
	if !ok {
		return 0, errors.New("driver does not support exec")
	}
	res, err := e.ExecContext(ctx, query, namedValues(args))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// do runs fn with the connection locked and records driver.ErrBadConn.
func (c *Conn) do(fn func() error) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	err := fn()
	if errors.Is(err, driver.ErrBadConn) {
		c.broken.Store(true)
	}
	return err
}

func namedValues(args []any) []driver.NamedValue {
	if len(args) == 0 {
		return nil
	}
	out := make([]driver.NamedValue, len(args))
	for i, a := range args {
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: a}
	}
	return out
}
