package publish

import (
	"math"
	"sort"
	"sync"

	"github.com/TheusHen/beacon/beacon/store"
)

const queueKey = "publish/pending"

// PendingKey is a key upload deferred until its rolling period has elapsed.
type PendingKey struct {
	RollingStartNumber int64  `json:"rollingStartNumber"`
	Token              string `json:"token"`
	Fake               bool   `json:"fake"`
}

// PendingQueue is a persisted queue ordered ascending by rolling start number.
// Entries with equal numbers keep insertion order.
type PendingQueue struct {
	mu sync.Mutex
	kv store.KV
}

func NewPendingQueue(kv store.KV) *PendingQueue { return &PendingQueue{kv: kv} }

func (q *PendingQueue) load() ([]PendingKey, error) {
	var keys []PendingKey
	if _, err := store.GetJSON(q.kv, queueKey, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (q *PendingQueue) Add(k PendingKey) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys, err := q.load()
	if err != nil {
		return err
	}
	i := sort.Search(len(keys), func(i int) bool { return keys[i].RollingStartNumber > k.RollingStartNumber })
	keys = append(keys, PendingKey{})
	copy(keys[i+1:], keys[i:])
	keys[i] = k
	return store.PutJSON(q.kv, queueKey, keys)
}

// Peek returns the smallest rolling start number, or math.MaxInt64 when empty.
func (q *PendingQueue) Peek() (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys, err := q.load()
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return math.MaxInt64, nil
	}
	return keys[0].RollingStartNumber, nil
}

// Head returns the head of the queue without removing it.
func (q *PendingQueue) Head() (PendingKey, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys, err := q.load()
	if err != nil || len(keys) == 0 {
		return PendingKey{}, false, err
	}
	return keys[0], true, nil
}

// Remove deletes the first entry equal to k. It is a no-op when k is absent.
func (q *PendingQueue) Remove(k PendingKey) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys, err := q.load()
	if err != nil {
		return err
	}
	for i := range keys {
		if keys[i] == k {
			return store.PutJSON(q.kv, queueKey, append(keys[:i], keys[i+1:]...))
		}
	}
	return nil
}

// Pop removes and returns the head of the queue.
func (q *PendingQueue) Pop() (PendingKey, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys, err := q.load()
	if err != nil || len(keys) == 0 {
		return PendingKey{}, false, err
	}
	if err := store.PutJSON(q.kv, queueKey, keys[1:]); err != nil {
		return PendingKey{}, false, err
	}
	return keys[0], true, nil
}

func (q *PendingQueue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys, err := q.load()
	return len(keys), err
}

func (q *PendingQueue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.kv.Delete(queueKey)
}
