package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type owner struct{ name string }

func collect(t *testing.T) (func(Event), func() []Event) {
	t.Helper()
	var mu sync.Mutex
	var got []Event
	return func(ev Event) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		}, func() []Event {
			mu.Lock()
			defer mu.Unlock()
			return append([]Event(nil), got...)
		}
}

func TestHubDirectDelivery(t *testing.T) {
	hub := NewHub(quietLogger())
	a := hub.Join("a")
	b := hub.Join("b")
	defer a.Close()
	defer b.Close()

	record, events := collect(t)
	b.Register(&owner{"b"}).On("greet", 0, record)

	require.NoError(t, a.Call("greet", []byte("hi"), "b"))

	require.Eventually(t, func() bool { return len(events()) == 1 }, time.Second, 5*time.Millisecond)
	ev := events()[0]
	assert.Equal(t, "a", ev.SendFrom)
	assert.False(t, ev.IsSendFromSelf)
	assert.Equal(t, []byte("hi"), ev.Data)
}

func TestBroadcastReachesSelfAndPeers(t *testing.T) {
	hub := NewHub(quietLogger())
	a := hub.Join("a")
	b := hub.Join("b")
	defer a.Close()
	defer b.Close()

	recordA, eventsA := collect(t)
	recordB, eventsB := collect(t)
	a.Register(&owner{"a"}).On("news", 0, recordA)
	b.Register(&owner{"b"}).On("news", 0, recordB)

	require.NoError(t, a.Call("news", []byte("x"), ""))

	require.Eventually(t, func() bool {
		return len(eventsA()) == 1 && len(eventsB()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, eventsA()[0].IsSendFromSelf)
	assert.False(t, eventsB()[0].IsSendFromSelf)
}

func TestCallRejectsOversizedMessage(t *testing.T) {
	b := NewLocalBus("solo", WithLogger(quietLogger()))
	defer b.Close()

	err := b.Call("big", make([]byte, MaxMessageSize+1), "")
	require.ErrorIs(t, err, ErrMessageTooLarge)
	require.NoError(t, b.Call("fits", make([]byte, MaxMessageSize), ""))
}

func TestCallUnknownPeer(t *testing.T) {
	hub := NewHub(quietLogger())
	a := hub.Join("a")
	defer a.Close()

	require.ErrorIs(t, a.Call("x", nil, "ghost"), ErrUnknownPeer)

	solo := NewLocalBus("solo", WithLogger(quietLogger()))
	defer solo.Close()
	require.ErrorIs(t, solo.Call("x", nil, "ghost"), ErrUnknownPeer)
}

func TestPriorityOrder(t *testing.T) {
	b := NewLocalBus("solo", WithLogger(quietLogger()))
	defer b.Close()

	var mu sync.Mutex
	var order []string
	add := func(name string) Handler {
		return func(Event) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	b.Register(&owner{"low"}).On("t", 0, add("low"))
	b.Register(&owner{"high"}).On("t", 10, add("high"))
	b.Register(&owner{"low2"}).On("t", 0, add("low2"))

	require.NoError(t, b.Call("t", nil, ""))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"high", "low", "low2"}, order)
}

func TestUnregisterDropsSubscriptionsPostsAndTimers(t *testing.T) {
	b := NewLocalBus("solo", WithLogger(quietLogger()))
	defer b.Close()

	o := &owner{"o"}
	record, events := collect(t)
	b.Register(o).On("t", 0, record)

	var fired sync.WaitGroup
	fired.Add(1)
	timerRan := make(chan struct{}, 1)
	b.AfterFunc(o, 20*time.Millisecond, func() { timerRan <- struct{}{} })

	// Block the loop so the post below is still queued at Unregister time.
	release := make(chan struct{})
	b.Post(&owner{"blocker"}, func() {
		fired.Done()
		<-release
	})
	var postRan atomic.Bool
	b.Post(o, func() { postRan.Store(true) })
	fired.Wait()

	b.Unregister(o)
	close(release)
	require.NoError(t, b.Call("t", nil, ""))

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, events())
	assert.False(t, postRan.Load())
	assert.Empty(t, timerRan)
	assert.Equal(t, 0, b.Subscribers("t"))
}

func TestTimerStop(t *testing.T) {
	b := NewLocalBus("solo", WithLogger(quietLogger()))
	defer b.Close()

	o := &owner{"o"}
	b.Register(o)
	ran := make(chan struct{}, 1)
	timer := b.AfterFunc(o, 20*time.Millisecond, func() { ran <- struct{}{} })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, ran)

	b.AfterFunc(o, 5*time.Millisecond, func() { ran <- struct{}{} })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func pendingTimers(b *LocalBus, o any) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.owners[o]
	if !ok {
		return -1
	}
	return len(st.timers)
}

func TestStoppedTimersAreReleased(t *testing.T) {
	b := NewLocalBus("solo", WithLogger(quietLogger()))
	defer b.Close()

	o := &owner{"o"}
	b.Register(o)

	var current Timer
	for i := 0; i < 1000; i++ {
		if current != nil {
			current.Stop()
		}
		current = b.AfterFunc(o, time.Hour, func() {})
	}
	assert.Equal(t, 1, pendingTimers(b, o))

	current.Stop()
	assert.Equal(t, 0, pendingTimers(b, o))

	ran := make(chan struct{}, 1)
	b.AfterFunc(o, time.Millisecond, func() { ran <- struct{}{} })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	require.Eventually(t, func() bool { return pendingTimers(b, o) == 0 }, time.Second, 5*time.Millisecond)
}

func TestAfterFuncForUnregisteredOwner(t *testing.T) {
	b := NewLocalBus("solo", WithLogger(quietLogger()))
	defer b.Close()

	o := &owner{"o"}
	b.Register(o)
	b.Unregister(o)

	ran := make(chan struct{}, 1)
	timer := b.AfterFunc(o, time.Millisecond, func() { ran <- struct{}{} })
	assert.False(t, timer.Stop())
	assert.Equal(t, 0, b.Owners())

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, ran)
}

func TestPublishOrderPreserved(t *testing.T) {
	hub := NewHub(quietLogger())
	a := hub.Join("a")
	b := hub.Join("b")
	defer a.Close()
	defer b.Close()

	record, events := collect(t)
	b.Register(&owner{"b"}).On("seq", 0, record)

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, a.Call("seq", []byte{byte(i)}, "b"))
	}
	require.Eventually(t, func() bool { return len(events()) == n }, time.Second, 5*time.Millisecond)
	for i, ev := range events() {
		require.Equal(t, byte(i), ev.Data[0])
	}
}

func TestHubLeaveAnnouncesDisconnect(t *testing.T) {
	hub := NewHub(quietLogger())
	a := hub.Join("a")
	hub.Join("b")
	defer a.Close()

	record, events := collect(t)
	a.Register(&owner{"a"}).On(PeerDisconnectedTopic, 0, record)

	hub.Leave("b")
	require.Eventually(t, func() bool { return len(events()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "b", string(events()[0].Data))
	assert.ElementsMatch(t, []string{"a"}, hub.Peers())
	require.ErrorIs(t, a.Call("x", nil, "b"), ErrUnknownPeer)
}

func TestHandlerPanicDoesNotStopLoop(t *testing.T) {
	b := NewLocalBus("solo", WithLogger(quietLogger()))
	defer b.Close()

	b.Register(&owner{"bad"}).On("t", 1, func(Event) { panic("boom") })
	record, events := collect(t)
	b.Register(&owner{"good"}).On("after", 0, record)

	require.NoError(t, b.Call("t", nil, ""))
	require.NoError(t, b.Call("after", []byte("ok"), ""))
	require.Eventually(t, func() bool { return len(events()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestClosedBus(t *testing.T) {
	b := NewLocalBus("solo", WithLogger(quietLogger()))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	err := b.Call("t", nil, "")
	require.ErrorIs(t, err, ErrClosed)
	assert.True(t, strings.Contains(err.Error(), "closed"))
}
