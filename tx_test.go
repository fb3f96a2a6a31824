package slon

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roji/slon/internal"
	"github.com/roji/slon/internal/pool"
)

// TestTxCommandInProgress verifies that a second command issued on a Tx
// before the first's Rows is closed is rejected outright, rather than
// racing it on the shared session.
func TestTxCommandInProgress(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cn := pool.NewConn(client)
	sess := pool.NewSession(cn, pool.SessionConfig{Credentials: pool.Credentials{User: "u"}})

	go func() {
		rd := pool.NewMessageReader(server)
		for {
			if err := rd.MoveNext(); err != nil {
				return
			}
			if err := rd.ConsumeCurrent(); err != nil {
				return
			}
		}
	}()

	tx := &Tx{db: &DataSource{opt: &Options{}}, sess: sess}

	rows, err := tx.Query(context.Background(), "select 1")
	require.NoError(t, err)

	_, err = tx.Exec(context.Background(), "select 2")
	assert.Equal(t, internal.ErrCommandInProgress, err)

	_, err = tx.Query(context.Background(), "select 2")
	assert.Equal(t, internal.ErrCommandInProgress, err)

	_ = rows
}
