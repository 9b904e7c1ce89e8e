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

package pgconn

import (
	"context"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/poolsnap/go/connregistry"
)

// testDSNEnv names a live PostgreSQL server for the integration tests.
const testDSNEnv = "POOLSNAP_TEST_DSN"

func TestNewConnectorRejectsBadDSN(t *testing.T) {
	_, err := NewConnector("postgres://%zz", nil)
	require.Error(t, err)
}

func TestConnectFailureLeavesNoSocket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	reg := connregistry.New()
	c, err := NewConnector(
		fmt.Sprintf("host=127.0.0.1 port=%d user=postgres dbname=postgres sslmode=disable connect_timeout=1", port),
		&connregistry.Dialer{Registry: reg, Pool: "test"},
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.Connect(ctx)
	require.Error(t, err)
	assert.Equal(t, 0, reg.Len())
}

func TestConnLive(t *testing.T) {
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDSNEnv)
	}

	reg := connregistry.New()
	c, err := NewConnector(dsn, &connregistry.Dialer{Registry: reg, Pool: "live"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := c.Connect(ctx)
	require.NoError(t, err)
	assert.False(t, conn.IsClosed())
	assert.Equal(t, 1, reg.Len())

	require.NoError(t, conn.Ping(ctx))
	row, err := conn.QueryRow(ctx, "SELECT 1::int8")
	require.NoError(t, err)
	require.Len(t, row, 1)
	assert.Equal(t, int64(1), row[0])

	require.NoError(t, conn.Close())
	assert.True(t, conn.IsClosed())
	assert.Equal(t, 0, reg.Len())
	require.NoError(t, conn.Close())

	require.ErrorIs(t, conn.Ping(ctx), ErrConnClosed)
}
