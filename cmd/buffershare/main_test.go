package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/BufferShare/config"
	"github.com/jaywantadh/BufferShare/internal/metadata"
	"github.com/jaywantadh/BufferShare/internal/transfer"
	"github.com/jaywantadh/BufferShare/pkg/logging"
)

func testConfig(t *testing.T, id string) *config.AppConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.NodeID = id
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.StoragePath = filepath.Join(dir, "store")
	cfg.JournalPath = filepath.Join(dir, "journal")
	cfg.Timeout = 2 * time.Second
	return cfg
}

func TestNodesExchangeFile(t *testing.T) {
	logging.Log.SetLevel(logrus.PanicLevel)

	server, err := openNode(testConfig(t, "server"), nodeOptions{serve: true, journal: true})
	require.NoError(t, err)
	defer server.close()
	require.NoError(t, server.link.Listen("127.0.0.1:0"))

	client, err := openNode(testConfig(t, "client"), nodeOptions{journal: true})
	require.NoError(t, err)
	defer client.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer, err := client.link.Connect(ctx, server.link.Addr().String())
	require.NoError(t, err)
	assert.Equal(t, "server", peer)
	_, ok := client.peers.GetNode("server")
	assert.True(t, ok)

	data := bytes.Repeat([]byte("buffershare "), 5000)
	id, err := client.manager.SendNamed(ctx, peer, "notes.txt", data, "")
	require.NoError(t, err)

	res, err := client.manager.Wait(ctx, id)
	require.NoError(t, err)
	require.True(t, res.OK(), "send ended %s: %v", res.Outcome, res.Err)

	var got transfer.Result[[]byte]
	require.Eventually(t, func() bool {
		got, err = server.manager.Wait(ctx, id)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, got.OK(), "receive ended %s: %v", got.Outcome, got.Err)
	assert.Equal(t, data, got.Payload)

	rec, err := server.journal.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", rec.Name)
	assert.True(t, server.store.Exists(rec.ContentHash))

	var out bytes.Buffer
	printRecords(&out, []metadata.TransferRecord{rec})
	assert.Contains(t, out.String(), "notes.txt")
	assert.Contains(t, out.String(), id)
}

func TestOpenNodeRejectsUnknownCodec(t *testing.T) {
	cfg := testConfig(t, "x")
	cfg.Codec = "yaml"
	_, err := openNode(cfg, nodeOptions{})
	require.Error(t, err)
}
