package common

import (
	"context"
	"log"
	"sync"
	"time"
)

// syncInterval is how often the server clock offset is refreshed.
const syncInterval = 30 * time.Minute

// TimeSync tracks the offset between the local clock and an exchange server
// clock. Signed requests use TimeSync.Now so a drifting host does not get
// its timestamps rejected.
type TimeSync struct {
	fetchServerTime func() (int64, error)

	mu       sync.RWMutex
	offset   int64 // server minus local, milliseconds
	lastSync time.Time
}

func NewTimeSync(fetchServerTime func() (int64, error)) *TimeSync {
	return &TimeSync{fetchServerTime: fetchServerTime}
}

// Start syncs once, then keeps the offset fresh in the background until ctx
// is cancelled.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		log.Printf("initial time sync failed: %v", err)
	}
	go func() {
		ticker := time.NewTicker(syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(ctx); err != nil {
					log.Printf("time sync failed: %v", err)
				}
			}
		}
	}()
}

// Sync measures the offset against the server clock, treating network
// latency as symmetric.
func (ts *TimeSync) Sync(ctx context.Context) error {
	before := time.Now().UnixMilli()
	serverTime, err := ts.fetchServerTime()
	if err != nil {
		return err
	}
	after := time.Now().UnixMilli()
	local := before + (after-before)/2

	ts.mu.Lock()
	ts.offset = serverTime - local
	ts.lastSync = time.Now()
	ts.mu.Unlock()

	log.Printf("time sync: offset=%dms", serverTime-local)
	return nil
}

// Now returns the current time in server milliseconds.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the last measured offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
