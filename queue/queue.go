// Package queue holds transactions recorded while offline until they can be replayed
// against the SaveWise API.
package queue

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("pending transaction not found")

// PendingTransaction is a transaction creation request that could not be sent.
// The body is opaque JSON, it is replayed verbatim.
type PendingTransaction struct {
	ID        int64
	Body      []byte
	Header    http.Header
	CreatedAt time.Time
}

// PendingStore is the persistent list of pending transactions.
//
// Implementations must be thread-safe!
type PendingStore interface {
	// Add appends a transaction and returns its assigned ID.
	Add(ctx context.Context, t PendingTransaction) (int64, error)
	// List returns all pending transactions, oldest first.
	List(ctx context.Context) ([]PendingTransaction, error)
	// Remove deletes the transaction with the given ID.
	Remove(ctx context.Context, id int64) error
}

// EmptyQueue never holds anything: List is always empty and Remove is a no-op.
// Add is rejected.
type EmptyQueue struct{}

func (EmptyQueue) Add(context.Context, PendingTransaction) (int64, error) {
	return 0, errors.New("pending transactions are not persisted")
}

func (EmptyQueue) List(context.Context) ([]PendingTransaction, error) {
	return nil, nil
}

func (EmptyQueue) Remove(context.Context, int64) error {
	return nil
}

type MemQueue struct {
	mutex  *sync.Mutex
	nextID int64
	items  map[int64]PendingTransaction
}

func NewMemQueue() *MemQueue {
	return &MemQueue{
		mutex: &sync.Mutex{},
		items: make(map[int64]PendingTransaction),
	}
}

func (q *MemQueue) Add(_ context.Context, t PendingTransaction) (int64, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.nextID++
	t.ID = q.nextID
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	q.items[t.ID] = t
	return t.ID, nil
}

func (q *MemQueue) List(_ context.Context) ([]PendingTransaction, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	items := make([]PendingTransaction, 0, len(q.items))
	for _, t := range q.items {
		items = append(items, t)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (q *MemQueue) Remove(_ context.Context, id int64) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if _, ok := q.items[id]; !ok {
		return ErrNotFound
	}
	delete(q.items, id)
	return nil
}
