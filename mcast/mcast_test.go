package mcast

import (
	"net"
	"testing"

	"github.com/mediatransport/mtl/mtlcfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJoiner struct {
	joined, left []string
	joinErr      error
}

func (f *fakeJoiner) JoinGroup(ifi *net.Interface, group net.Addr) error {
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined = append(f.joined, group.String())
	return nil
}

func (f *fakeJoiner) LeaveGroup(ifi *net.Interface, group net.Addr) error {
	f.left = append(f.left, group.String())
	return nil
}

func TestJoinLeaveRefcount(t *testing.T) {
	joiner := &fakeJoiner{}
	c := New(mtlcfg.DriverKernel, joiner, nil, nil)
	group := net.ParseIP("239.1.1.1")

	require.NoError(t, c.Join(group, 5000))
	assert.Equal(t, 1, c.Refcount(group))

	require.NoError(t, c.Join(group, 5000))
	assert.Equal(t, 2, c.Refcount(group), "second join increments refcount instead of rejoining")
	assert.Len(t, joiner.joined, 1, "NIC/OS join only happens once")

	require.NoError(t, c.Leave(group, 5000))
	assert.Equal(t, 1, c.Refcount(group))
	assert.Len(t, joiner.left, 0)

	require.NoError(t, c.Leave(group, 5000))
	assert.Equal(t, 0, c.Refcount(group), "refcount returns to 0")
	assert.Len(t, joiner.left, 1, "zero refcount triggers the actual leave")
}

func TestLeaveWithoutJoinFails(t *testing.T) {
	c := New(mtlcfg.DriverKernel, &fakeJoiner{}, nil, nil)
	err := c.Leave(net.ParseIP("239.1.1.1"), 5000)
	assert.Error(t, err)
}

func TestPollModeDriverUsesReportFunc(t *testing.T) {
	var reported []string
	c := New(mtlcfg.DriverPF, nil, nil, func(ip net.IP) {
		reported = append(reported, ip.String())
	})
	group := net.ParseIP("239.2.2.2")
	require.NoError(t, c.Join(group, 5000))
	assert.Equal(t, []string{"239.2.2.2"}, reported)
}

func TestGroupCeiling(t *testing.T) {
	c := New(mtlcfg.DriverPF, nil, nil, func(net.IP) {})
	for i := 0; i < maxGroupsPerPort; i++ {
		ip := net.IPv4(239, 0, 0, byte(i))
		require.NoError(t, c.Join(ip, 5000))
	}
	err := c.Join(net.IPv4(239, 1, 0, 0), 5000)
	assert.Error(t, err)
}
