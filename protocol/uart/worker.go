package uart

import "sync"

// worker runs a function each time it is signalled, until stopped.
// Signals coalesce: any number of posts before the function runs wake it
// once, so the function must consume all available work.
type worker struct {
	signal chan struct{}
	quit   chan struct{}
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
}

func newWorker() *worker {
	return &worker{
		signal: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// post wakes the worker. It never blocks.
func (w *worker) post() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *worker) start(fn func()) {
	w.startOnce.Do(func() {
		w.started = true
		go w.run(fn)
	})
}

func (w *worker) run(fn func()) {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case <-w.signal:
		}
		// Stop wins over pending work.
		select {
		case <-w.quit:
			return
		default:
		}
		fn()
	}
}

// stop signals the worker to exit and waits for it. Safe to call more than
// once and on a worker that was never started.
func (w *worker) stop() {
	w.stopOnce.Do(func() {
		close(w.quit)
		w.startOnce.Do(func() {})
		if w.started {
			<-w.done
		}
	})
}
