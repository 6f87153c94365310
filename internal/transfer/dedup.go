package transfer

import (
	"container/list"
)

// ReceiptLRU remembers receipts by idempotency key so a retried transfer is
// answered with the original receipt instead of moving funds twice.
// Not thread-safe; callers hold their own lock.
type ReceiptLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key     string
	receipt Receipt
}

func NewReceiptLRU(capacity int) *ReceiptLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &ReceiptLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Get returns the receipt for key and promotes it.
func (lru *ReceiptLRU) Get(key string) (Receipt, bool) {
	elem, exists := lru.cache[key]
	if !exists {
		return Receipt{}, false
	}
	lru.lruList.MoveToFront(elem)
	return elem.Value.(*lruEntry).receipt, true
}

// Add stores a receipt (or promotes an existing key without overwriting it).
func (lru *ReceiptLRU) Add(key string, r Receipt) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key, receipt: r})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *ReceiptLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(*lruEntry).key)
		lru.evictions++
	}
}

func (lru *ReceiptLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *ReceiptLRU) Evictions() int64 {
	return lru.evictions
}
