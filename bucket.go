package resolver

import (
	"hash/fnv"
	"strconv"
	"sync"
)

// numBuckets is the number of independent (lock, task) shards the
// resolver's in-flight fetches are partitioned across, per spec.md §5.
const numBuckets = 32

// task is a single-goroutine event loop: every mutation of a bucket's
// fctxs runs as one of these closures, so code running inside a task
// never needs to lock against another task on the same bucket.
type task chan func()

func newTask() task {
	t := make(task, 256)
	go func() {
		for fn := range t {
			fn()
		}
	}()
	return t
}

func (t task) send(fn func()) { t <- fn }
func (t task) close()         { close(t) }

// bucket owns one slice of the resolver's fctx table plus the task that
// serializes work on every fctx in that slice. The bucket lock guards
// the fctxs map and each fctx's shared (bucket-locked) fields: state,
// waiters, and refs. Everything else about an fctx is touched only from
// inside this bucket's task, so it needs no further locking.
type bucket struct {
	res  *Resolver
	idx  int
	task task

	mu      sync.Mutex
	fctxs   map[string]*fctx
	exiting bool
}

func newBucket(res *Resolver, idx int) *bucket {
	return &bucket{res: res, idx: idx, task: newTask(), fctxs: make(map[string]*fctx)}
}

func bucketIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(numBuckets))
}

// fctxKey identifies a joinable fctx: same question, same options.
func fctxKey(qname string, qtype uint16, opts Options) string {
	return qname + "/" + strconv.Itoa(int(qtype)) + "/" + strconv.Itoa(int(opts))
}

func (b *bucket) shutdown() {
	b.mu.Lock()
	b.exiting = true
	fctxs := make([]*fctx, 0, len(b.fctxs))
	for _, fx := range b.fctxs {
		fctxs = append(fctxs, fx)
	}
	b.mu.Unlock()
	for _, fx := range fctxs {
		fx.bucket.task.send(fx.doShutdown)
	}
}
