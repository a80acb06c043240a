package presence_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mahaj/campus-realtime/pkg/metrics"
	"github.com/mahaj/campus-realtime/pkg/presence"
	"github.com/mahaj/campus-realtime/pkg/presence/presencetest"
)

func TestRegistry_Attach_MultipleDevices(t *testing.T) {
	req := require.New(t)
	registry := presence.NewRegistry()
	phone := presencetest.NewChannel("phone")
	laptop := presencetest.NewChannel("laptop")

	// When one user attaches two channels
	registry.Attach("alice", phone)
	registry.Attach("alice", laptop)

	// Then both are addressed
	req.ElementsMatch([]presence.Channel{phone, laptop}, registry.ChannelsFor("alice"))
	req.True(registry.Online("alice"))
	req.Equal(2, registry.Len())
}

func TestRegistry_Attach_Idempotent(t *testing.T) {
	req := require.New(t)
	registry := presence.NewRegistry()
	ch := presencetest.NewChannel("c1")

	registry.Attach("alice", ch)
	registry.Attach("alice", ch)

	req.Len(registry.ChannelsFor("alice"), 1)
	req.Equal(1, registry.Len())
}

func TestRegistry_Attach_MovesChannelToNewOwner(t *testing.T) {
	req := require.New(t)
	registry := presence.NewRegistry()
	ch := presencetest.NewChannel("c1")

	registry.Attach("alice", ch)
	registry.Attach("bob", ch)

	req.Empty(registry.ChannelsFor("alice"))
	req.False(registry.Online("alice"))
	req.Len(registry.ChannelsFor("bob"), 1)
}

func TestRegistry_ChannelsFor_Unknown(t *testing.T) {
	require.Empty(t, presence.NewRegistry().ChannelsFor("ghost"))
}

func TestRegistry_Detach_Twice(t *testing.T) {
	req := require.New(t)
	registry := presence.NewRegistry()
	phone := presencetest.NewChannel("phone")
	laptop := presencetest.NewChannel("laptop")
	registry.Attach("alice", phone)
	registry.Attach("alice", laptop)

	// When the same channel detaches twice
	userID, offline := registry.Detach(phone)
	req.Equal("alice", userID)
	req.False(offline)
	after := registry.ChannelsFor("alice")

	userID, offline = registry.Detach(phone)

	// Then the second call is a no-op
	req.Empty(userID)
	req.False(offline)
	req.Equal(after, registry.ChannelsFor("alice"))
	req.Equal([]presence.Channel{laptop}, registry.ChannelsFor("alice"))
}

func TestRegistry_Detach_LastChannelGoesOffline(t *testing.T) {
	req := require.New(t)
	registry := presence.NewRegistry()
	ch := presencetest.NewChannel("c1")
	registry.Attach("alice", ch)

	userID, offline := registry.Detach(ch)

	req.Equal("alice", userID)
	req.True(offline)
	req.Empty(registry.Users())
}

func TestRegistry_Detach_Unknown(t *testing.T) {
	userID, offline := presence.NewRegistry().Detach(presencetest.NewChannel("nope"))

	require.Empty(t, userID)
	require.False(t, offline)
}

func TestRegistry_ChannelsForUsers_Union(t *testing.T) {
	req := require.New(t)
	registry := presence.NewRegistry()
	a1, a2, b1, c1 := presencetest.NewChannel("a1"), presencetest.NewChannel("a2"),
		presencetest.NewChannel("b1"), presencetest.NewChannel("c1")
	registry.Attach("a", a1)
	registry.Attach("a", a2)
	registry.Attach("b", b1)
	registry.Attach("c", c1)

	got := registry.ChannelsForUsers("a", "b", "a")

	req.ElementsMatch([]presence.Channel{a1, a2, b1}, got)
}

func TestRegistry_ConcurrentAttachDetach(t *testing.T) {
	req := require.New(t)
	registry := presence.NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i%5)
			ch := presencetest.NewChannel(fmt.Sprintf("ch-%d", i))
			registry.Attach(user, ch)
			_ = registry.ChannelsFor(user)
			if i%2 == 0 {
				registry.Detach(ch)
			}
		}(i)
	}
	wg.Wait()

	req.Equal(25, registry.Len())
	total := 0
	for _, user := range registry.Users() {
		total += len(registry.ChannelsFor(user))
	}
	req.Equal(25, total)
}

func TestBroadcaster_SkipsClosedChannel(t *testing.T) {
	req := require.New(t)
	registry := presence.NewRegistry()
	open := presencetest.NewChannel("open")
	closed := presencetest.NewChannel("closed")
	closed.Close()
	registry.Attach("alice", open)
	registry.Attach("alice", closed)
	broadcaster := presence.NewBroadcaster(registry, zap.NewNop().Sugar(), metrics.Discard())

	delivered := broadcaster.ToUsers([]byte(`{"type":"x"}`), "alice")

	req.Equal(1, delivered)
	req.Len(open.Envelopes(), 1)
}

func TestBroadcaster_ToAll(t *testing.T) {
	req := require.New(t)
	registry := presence.NewRegistry()
	registry.Attach("a", presencetest.NewChannel("1"))
	registry.Attach("b", presencetest.NewChannel("2"))
	registry.Attach("b", presencetest.NewChannel("3"))
	broadcaster := presence.NewBroadcaster(registry, zap.NewNop().Sugar(), metrics.Discard())

	req.Equal(3, broadcaster.ToAll([]byte(`{}`)))
}
