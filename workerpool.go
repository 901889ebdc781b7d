package microhttpd

import (
	"runtime"
	"sync"
	"time"
)

// workerPool serves connections of a thread-per-connection daemon via a
// pool of goroutines in FILO order, i.e. the most recently stopped worker
// will serve the next connection.
//
// Such a scheme keeps CPU caches hot (in theory).
// 每个worker在单独的一个协程中执行关联一个 workerChan，使用for循环阻塞在
// workerChan.ch 上。
//
// 接收循环接受新连接后会创建一个新的worker或者从ready队列中取旧的worker，
// 将*Connection发送到worker关联的 workerChan。
type workerPool struct {
	// Function serving one connection until it is closed or upgraded.
	//
	// 设置为Daemon.serveConnection
	WorkerFunc func(c *Connection)
	// 设置为守护进程的连接上限。
	MaxWorkersCount int
	// 默认为10s
	MaxIdleWorkerDuration time.Duration

	// 保护ready字段的读写
	lock sync.Mutex
	// 当前正在服务于连接的workerChan实例的数量。
	workersCount int
	// 守护进程停止时设置为true。
	//
	// workerFunc 的for循环中，在服务完一个连接后，会调用
	// release 方法将workerChan放回ready列表中，在release方法中，
	// 如果检查此字段为true会返回false，从而会让关联的worker协程退出。
	mustStop bool

	// 空闲workerChan列表
	ready []*workerChan

	// 此通道的关闭用于通知 Start 方法启动的用于清除worker(超过 MaxIdleWorkerDuration)的协程退出。
	stopCh chan struct{}
	// workerChan 缓冲池
	workerChanPool sync.Pool
}

type workerChan struct {
	lastUseTime time.Time
	ch          chan *Connection
}

func (wp *workerPool) Start() {
	if wp.stopCh != nil {
		return
	}
	wp.stopCh = make(chan struct{})
	stopCh := wp.stopCh
	wp.workerChanPool.New = func() any {
		return &workerChan{
			ch: make(chan *Connection, workerChanCap),
		}
	}
	go func() {
		var scratch []*workerChan
		for {
			wp.clean(&scratch)
			select {
			case <-stopCh:
				return
			case <-time.After(wp.getMaxIdleWorkerDuration()):
			}
		}
	}()
}

// Stop releases idle workers. Busy workers exit once their connection is
// done.
func (wp *workerPool) Stop() {
	if wp.stopCh == nil {
		return
	}
	close(wp.stopCh)
	wp.stopCh = nil

	wp.lock.Lock()
	ready := wp.ready
	for i := range ready {
		ready[i].ch <- nil
		ready[i] = nil
	}
	wp.ready = ready[:0]
	wp.mustStop = true
	wp.lock.Unlock()
}

func (wp *workerPool) getMaxIdleWorkerDuration() time.Duration {
	if wp.MaxIdleWorkerDuration <= 0 {
		return 10 * time.Second
	}
	return wp.MaxIdleWorkerDuration
}

func (wp *workerPool) clean(scratch *[]*workerChan) {
	maxIdleWorkerDuration := wp.getMaxIdleWorkerDuration()

	// Clean least recently used workers if they didn't serve connections
	// for more than maxIdleWorkerDuration.
	criticalTime := time.Now().Add(-maxIdleWorkerDuration)

	wp.lock.Lock()
	ready := wp.ready
	n := len(ready)

	// 二分查找最后一个可以清理的worker
	l, r := 0, n-1
	for l <= r {
		mid := (l + r) / 2
		if criticalTime.After(wp.ready[mid].lastUseTime) {
			l = mid + 1
		} else {
			r = mid - 1
		}
	}
	i := r
	if i == -1 {
		wp.lock.Unlock()
		return
	}

	*scratch = append((*scratch)[:0], ready[:i+1]...)
	m := copy(ready, ready[i+1:])
	for i = m; i < n; i++ {
		ready[i] = nil
	}
	wp.ready = ready[:m]
	wp.lock.Unlock()

	// Notify obsolete workers to stop outside the lock, ch.ch may block.
	tmp := *scratch
	for i := range tmp {
		tmp[i].ch <- nil
		tmp[i] = nil
	}
}

// Serve hands c to an idle worker or a new one. It returns false when
// MaxWorkersCount workers are busy or the pool is stopped.
func (wp *workerPool) Serve(c *Connection) bool {
	ch := wp.getCh()
	if ch == nil {
		return false
	}
	ch.ch <- c
	return true
}

var workerChanCap = func() int {
	// Use blocking workerChan if GOMAXPROCS=1.
	if runtime.GOMAXPROCS(0) == 1 {
		return 0
	}
	// the accept loop must not lag behind a busy worker
	return 1
}()

func (wp *workerPool) getCh() *workerChan {
	var ch *workerChan
	createWorker := false

	wp.lock.Lock()
	if wp.mustStop {
		wp.lock.Unlock()
		return nil
	}
	ready := wp.ready
	n := len(ready) - 1
	if n < 0 {
		if wp.workersCount < wp.MaxWorkersCount {
			createWorker = true
			wp.workersCount++
		}
	} else {
		ch = ready[n]
		ready[n] = nil
		wp.ready = ready[:n]
	}
	wp.lock.Unlock()

	if ch == nil {
		if !createWorker {
			return nil
		}
		vch := wp.workerChanPool.Get()
		ch = vch.(*workerChan)
		go func() {
			wp.workerFunc(ch)
			wp.workerChanPool.Put(vch)
		}()
	}
	return ch
}

func (wp *workerPool) release(ch *workerChan) bool {
	ch.lastUseTime = time.Now()
	wp.lock.Lock()
	if wp.mustStop {
		wp.lock.Unlock()
		return false
	}
	wp.ready = append(wp.ready, ch)
	wp.lock.Unlock()
	return true
}

func (wp *workerPool) workerFunc(ch *workerChan) {
	for c := range ch.ch {
		if c == nil {
			break
		}
		wp.WorkerFunc(c)
		if !wp.release(ch) {
			break
		}
	}

	wp.lock.Lock()
	wp.workersCount--
	wp.lock.Unlock()
}

// busy returns the number of workers serving a connection.
func (wp *workerPool) busy() int {
	wp.lock.Lock()
	n := wp.workersCount - len(wp.ready)
	wp.lock.Unlock()
	return n
}
