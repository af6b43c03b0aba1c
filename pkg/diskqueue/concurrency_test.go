package diskqueue

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConcurrency_ParallelSessionsKeepPerSessionOrder(t *testing.T) {
	t.Parallel()

	const (
		writers    = 8
		perSession = 25
	)

	opts := testOptions(t.TempDir())
	q := openTestQueue(t, opts)

	var wg sync.WaitGroup

	for w := 0; w < writers; w++ {
		wg.Add(1)

		go func(writer int) {
			defer wg.Done()

			s, err := q.OpenSession()
			if err != nil {
				t.Errorf("writer %d: open session: %v", writer, err)

				return
			}

			defer func() { _ = s.Close() }()

			for i := 0; i < perSession; i++ {
				payload := make([]byte, 8)
				binary.LittleEndian.PutUint32(payload[0:4], uint32(writer))
				binary.LittleEndian.PutUint32(payload[4:8], uint32(i))

				if err := s.Enqueue(payload); err != nil {
					t.Errorf("writer %d: enqueue: %v", writer, err)

					return
				}
			}

			if err := s.Flush(); err != nil {
				t.Errorf("writer %d: flush: %v", writer, err)
			}
		}(w)
	}

	wg.Wait()
	require.Equal(t, writers*perSession, q.EstimatedCount())
	require.NoError(t, q.Close())

	// Drain after a reopen. Interleaving across writers is unspecified,
	// but each writer's payloads must come out in its enqueue order.
	q = openTestQueue(t, opts)
	defer func() { _ = q.Close() }()

	nextPerWriter := make([]uint32, writers)
	total := 0

	for {
		data, ok := dequeueOne(t, q)
		if !ok {
			break
		}

		require.Len(t, data, 8)

		writer := binary.LittleEndian.Uint32(data[0:4])
		seq := binary.LittleEndian.Uint32(data[4:8])

		require.Less(t, int(writer), writers)
		require.Equal(t, nextPerWriter[writer], seq, "writer %d out of order", writer)

		nextPerWriter[writer]++
		total++
	}

	require.Equal(t, writers*perSession, total)
}

func TestConcurrency_OneItemOneWinner(t *testing.T) {
	t.Parallel()

	const contenders = 8

	q := openTestQueue(t, testOptions(t.TempDir()))
	defer func() { _ = q.Close() }()

	flushPayloads(t, q, []byte("the only one"))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for i := 0; i < contenders; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			s, err := q.OpenSession()
			if err != nil {
				t.Errorf("open session: %v", err)

				return
			}

			defer func() { _ = s.Close() }()

			_, ok, err := s.Dequeue()
			if err != nil {
				t.Errorf("dequeue: %v", err)

				return
			}

			if ok {
				if err := s.Flush(); err != nil {
					t.Errorf("flush: %v", err)

					return
				}

				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	require.Equal(t, 1, wins, "exactly one contender may receive the entry")
	require.Equal(t, 0, q.EstimatedCount())
}

func TestConcurrency_FlushMakesEntriesVisibleToExistingSessions(t *testing.T) {
	t.Parallel()

	q := openTestQueue(t, testOptions(t.TempDir()))
	defer func() { _ = q.Close() }()

	producer, err := q.OpenSession()
	require.NoError(t, err)

	defer func() { _ = producer.Close() }()

	consumer, err := q.OpenSession()
	require.NoError(t, err)

	defer func() { _ = consumer.Close() }()

	require.NoError(t, producer.Enqueue([]byte{42}))

	// Invisible before the producer commits.
	_, ok, err := consumer.Dequeue()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, producer.Flush())

	data, ok, err := consumer.Dequeue()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{42}, data)
	require.NoError(t, consumer.Flush())
}
