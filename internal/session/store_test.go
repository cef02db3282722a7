package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore(t *testing.T) {
	s := NewStore()
	st := s.Snapshot()
	assert.Equal(t, Disconnected, st.Status)
	assert.False(t, st.HasChallenge())
	assert.Nil(t, st.Loading)
}

func TestTransitionPublishesPrevAndNext(t *testing.T) {
	s := NewStore()

	var gotPrev, gotNext State
	calls := 0
	s.Transition(QRIssued{Challenge: "2@abc"}, func(prev, next State) {
		calls++
		gotPrev, gotNext = prev, next
	})

	require.Equal(t, 1, calls)
	assert.Equal(t, Disconnected, gotPrev.Status)
	assert.Equal(t, AwaitingScan, gotNext.Status)
	assert.Equal(t, "2@abc", gotNext.Challenge)
}

func TestSnapshotReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Transition(LoadingEvent{Percent: 10, Message: "a"}, nil)

	snap := s.Snapshot()
	snap.Loading.Percent = 99

	assert.Equal(t, 10, s.Snapshot().Loading.Percent, "mutation leaked into store")
}

func TestViewSeesCurrentState(t *testing.T) {
	s := NewStore()
	s.Transition(ReadyEvent{}, nil)

	var seen Status
	s.View(func(st State) { seen = st.Status })
	assert.Equal(t, Ready, seen)
}

func TestTransitionSerializesPublish(t *testing.T) {
	s := NewStore()

	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := LifecycleEvent(ReadyEvent{})
			if i%2 == 0 {
				ev = LoadingEvent{Percent: i}
			}
			s.Transition(ev, func(prev, next State) {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()

				mu.Lock()
				inside--
				mu.Unlock()
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside, "publish callbacks overlapped")
}
