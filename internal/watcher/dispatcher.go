package watcher

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// enqueue queues an update for delivery. A newer update for the same
// identity replaces an undelivered older one but keeps its queue position.
func (w *Watcher) enqueue(update Update) {
	if w.onUpdate == nil || update.Identity == "" {
		return
	}
	w.dispatchMu.Lock()
	if w.pendingUpdates == nil {
		w.pendingUpdates = make(map[string]Update)
	}
	if _, exists := w.pendingUpdates[update.Identity]; !exists {
		w.pendingOrder = append(w.pendingOrder, update.Identity)
	}
	w.pendingUpdates[update.Identity] = update
	w.dispatchCond.Signal()
	w.dispatchMu.Unlock()
}

func (w *Watcher) startDispatch() {
	if w.onUpdate == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.dispatchMu.Lock()
	w.dispatchCancel = cancel
	w.dispatchDone = done
	w.dispatchMu.Unlock()
	go w.dispatchLoop(ctx, done)
}

func (w *Watcher) dispatchLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		batch, ok := w.nextPendingBatch(ctx)
		if !ok {
			return
		}
		for _, update := range batch {
			if ctx.Err() != nil {
				return
			}
			w.deliver(update)
		}
	}
}

func (w *Watcher) deliver(update Update) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"identity": update.Identity, "panic": r}).Error("watcher: update handler panicked")
		}
	}()
	w.onUpdate(update)
}

func (w *Watcher) nextPendingBatch(ctx context.Context) ([]Update, bool) {
	w.dispatchMu.Lock()
	defer w.dispatchMu.Unlock()
	for len(w.pendingOrder) == 0 {
		if ctx.Err() != nil {
			return nil, false
		}
		w.dispatchCond.Wait()
		if ctx.Err() != nil {
			return nil, false
		}
	}
	batch := make([]Update, 0, len(w.pendingOrder))
	for _, key := range w.pendingOrder {
		batch = append(batch, w.pendingUpdates[key])
		delete(w.pendingUpdates, key)
	}
	w.pendingOrder = w.pendingOrder[:0]
	return batch, true
}

func (w *Watcher) stopDispatch() {
	w.dispatchMu.Lock()
	cancel := w.dispatchCancel
	done := w.dispatchDone
	w.dispatchCancel = nil
	w.dispatchDone = nil
	w.pendingOrder = nil
	w.pendingUpdates = nil
	w.dispatchCond.Broadcast()
	w.dispatchMu.Unlock()
	if cancel != nil {
		cancel()
		w.dispatchMu.Lock()
		w.dispatchCond.Broadcast()
		w.dispatchMu.Unlock()
		<-done
	}
}

func newCond(w *Watcher) *sync.Cond {
	return sync.NewCond(&w.dispatchMu)
}
