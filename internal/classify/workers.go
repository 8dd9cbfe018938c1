package classify

import (
	"sync"
	"time"
)

const (
	workerQueueCap  = 256
	workerIdleAfter = 5 * time.Minute
)

// keyedWorkers runs one goroutine per key so jobs for a single key execute
// in submission order while distinct keys proceed in parallel. Idle workers
// retire after a quiet period; a later submit revives the key.
type keyedWorkers struct {
	mu     sync.Mutex
	queues map[string]chan func()
	wg     sync.WaitGroup
	closed bool
}

func newKeyedWorkers() *keyedWorkers {
	return &keyedWorkers{queues: make(map[string]chan func())}
}

// Submit enqueues a job for the key. Returns false when the pool is closed
// or the key's queue is full; order within a key is never reshuffled, so a
// full queue drops the newcomer rather than an older job.
func (w *keyedWorkers) Submit(key string, job func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	q, ok := w.queues[key]
	if !ok {
		q = make(chan func(), workerQueueCap)
		w.queues[key] = q
		w.wg.Add(1)
		go w.run(key, q)
	}
	if len(q) == cap(q) {
		return false
	}
	// Sends only happen under the lock, so the cap check above guarantees
	// this never blocks.
	q <- job
	return true
}

func (w *keyedWorkers) run(key string, q chan func()) {
	defer w.wg.Done()
	idle := time.NewTimer(workerIdleAfter)
	defer idle.Stop()

	for {
		select {
		case job, ok := <-q:
			if !ok {
				return
			}
			job()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(workerIdleAfter)
		case <-idle.C:
			w.mu.Lock()
			if w.closed || len(q) > 0 {
				w.mu.Unlock()
				idle.Reset(workerIdleAfter)
				continue
			}
			delete(w.queues, key)
			w.mu.Unlock()
			return
		}
	}
}

// Close stops intake and waits for every queued job to finish.
func (w *keyedWorkers) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for _, q := range w.queues {
		close(q)
	}
	w.mu.Unlock()
	w.wg.Wait()
}
