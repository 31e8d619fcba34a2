package streamcore

// Shutdown tears down every active watcher and disconnects every
// subscriber. It is safe to call once during process shutdown; Attach
// calls made afterward return an error instead of starting new watchers.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	watchers := make([]*watcherInfo, 0, len(r.sessions))
	for _, wi := range r.sessions {
		watchers = append(watchers, wi)
	}
	r.sessions = make(map[string]*watcherInfo)
	r.mu.Unlock()

	for _, wi := range watchers {
		wi.mu.Lock()
		subs := make([]*Subscriber, 0, len(wi.subscribers))
		for _, sub := range wi.subscribers {
			subs = append(subs, sub)
		}
		wi.subscribers = make(map[string]*Subscriber)
		wi.mu.Unlock()

		for _, sub := range subs {
			sub.closeDone()
		}

		close(wi.stopChan)
		<-wi.stoppedChan
		wi.watcher.Close()
	}
}
