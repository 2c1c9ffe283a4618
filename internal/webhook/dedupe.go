package webhook

import (
	"fmt"
	"sync"
	"time"

	"github.com/snapetech/reconciler/internal/model"
)

// dedupeWindow is how long an identical delivery is collapsed.
const dedupeWindow = 30 * time.Second

// deduper collapses identical webhook deliveries received within dedupeWindow.
type deduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newDeduper() *deduper {
	return &deduper{seen: make(map[string]time.Time)}
}

// Seen reports whether an identical delivery (event type + download_id +
// best-effort event id) was already seen within the window, recording this
// one if not.
func (d *deduper) Seen(ev model.WebhookEvent) bool {
	key := fmt.Sprintf("%s:%s:%s", ev.EventType, ev.DownloadID, ev.EventID)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	for k, at := range d.seen {
		if now.Sub(at) > dedupeWindow {
			delete(d.seen, k)
		}
	}
	if at, ok := d.seen[key]; ok && now.Sub(at) <= dedupeWindow {
		return true
	}
	d.seen[key] = now
	return false
}
