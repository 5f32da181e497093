//go:build integration

package network_test

import (
	"context"
	"testing"

	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/network"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirt"
)

func TestManager_Ensure_Integration(t *testing.T) {
	conn, err := libvirt.NewConnect("qemu:///system")
	require.NoError(t, err)
	defer conn.Close()

	mgr := network.NewManager(conn)
	ctx := context.Background()

	name := "net" + uuid.NewString()[:8]
	config := network.Config{Name: name, Gateway: "192.168.157.1/24"}
	defer func() { _ = mgr.Delete(ctx, name) }()

	created, err := mgr.Ensure(ctx, config)
	require.NoError(t, err)
	assert.True(t, created)

	info, err := mgr.Get(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "nat", info.Mode)
	assert.True(t, info.IsActive)

	created, err = mgr.Ensure(ctx, config)
	require.NoError(t, err)
	assert.False(t, created, "an existing network is reused")

	require.NoError(t, mgr.Delete(ctx, name))
	_, err = mgr.Get(ctx, name)
	assert.ErrorIs(t, err, network.ErrNetworkNotFound)

	require.NoError(t, mgr.Delete(ctx, name), "delete is idempotent")
}

func TestManager_Ensure_MissingWithoutGateway_Integration(t *testing.T) {
	conn, err := libvirt.NewConnect("qemu:///system")
	require.NoError(t, err)
	defer conn.Close()

	_, err = network.NewManager(conn).Ensure(context.Background(), network.Config{
		Name: "net" + uuid.NewString()[:8],
	})
	assert.ErrorIs(t, err, network.ErrNetworkNotFound)
}
