package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryTracksPeers(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	r.PeerUp("b", "10.0.0.2:7420")
	r.PeerUp("a", "10.0.0.1:7420")

	nodes := r.GetAllNodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "b", nodes[0].ID)
	assert.Equal(t, "a", nodes[1].ID)

	n, ok := r.GetNode("a")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:7420", n.Address)
	assert.Equal(t, base.Add(2*time.Second), n.JoinTime)

	r.PeerDown("b")
	_, ok = r.GetNode("b")
	assert.False(t, ok)
	assert.Len(t, r.GetAllNodes(), 1)
}

func TestRegisterKeepsExplicitJoinTime(t *testing.T) {
	r := NewRegistry()
	at := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	r.RegisterNode(NodeInfo{ID: "x", Address: "h:1", JoinTime: at})

	n, ok := r.GetNode("x")
	require.True(t, ok)
	assert.Equal(t, at, n.JoinTime)
}
