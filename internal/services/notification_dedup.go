package services

import (
	"sync"
	"time"

	"receipt-api/pkg/logging"
)

// NotificationDeduplicator drops store notifications that were already
// processed. Pub/Sub delivers at least once, so the same message id can
// arrive several times.
type NotificationDeduplicator struct {
	processed       map[string]time.Time
	mutex           sync.Mutex
	cleanupInterval time.Duration
	ttl             time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	now             func() time.Time
}

// NewNotificationDeduplicator starts a deduplicator remembering ids for ttl
func NewNotificationDeduplicator(ttl time.Duration) *NotificationDeduplicator {
	d := &NotificationDeduplicator{
		processed:       make(map[string]time.Time),
		cleanupInterval: time.Hour,
		ttl:             ttl,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
	}
	go d.startCleanupRoutine()
	return d
}

// Seen records messageID and reports whether it had been recorded before.
// Empty ids cannot be checked and are never reported as seen.
func (d *NotificationDeduplicator) Seen(messageID string) bool {
	if d == nil || messageID == "" {
		return false
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	now := d.now()
	if at, ok := d.processed[messageID]; ok && now.Sub(at) <= d.ttl {
		logging.Infof("Duplicate notification %s, first processed at %v", messageID, at)
		return true
	}
	d.processed[messageID] = now
	return false
}

// Forget removes messageID so a redelivery is processed again
func (d *NotificationDeduplicator) Forget(messageID string) {
	if d == nil {
		return
	}
	d.mutex.Lock()
	delete(d.processed, messageID)
	d.mutex.Unlock()
}

func (d *NotificationDeduplicator) startCleanupRoutine() {
	ticker := time.NewTicker(d.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.cleanup()
		case <-d.stopCleanup:
			return
		}
	}
}

func (d *NotificationDeduplicator) cleanup() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	now := d.now()
	initialCount := len(d.processed)
	for id, at := range d.processed {
		if now.Sub(at) > d.ttl {
			delete(d.processed, id)
		}
	}
	if cleaned := initialCount - len(d.processed); cleaned > 0 {
		logging.Infof("Notification dedup cleanup: removed %d, remaining: %d", cleaned, len(d.processed))
	}
}

// Stop ends the cleanup goroutine
func (d *NotificationDeduplicator) Stop() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() { close(d.stopCleanup) })
}
