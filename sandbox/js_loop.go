package sandbox

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
)

var errLoopClosed = errors.New("extension runtime is closed")

// eventLoop serializes every access to one goja.Runtime onto a single
// goroutine. Timers fire on their own goroutines and enqueue their callback.
type eventLoop struct {
	vm        *goja.Runtime
	jobs      chan func()
	stop      chan struct{}
	done      chan struct{}
	timers    map[int64]*loopTimer
	unhandled map[*goja.Promise]struct{}
	onFault   func(err error, where string)
	stopOnce  sync.Once
	nextTimer int64
}

type loopTimer struct {
	timer    *time.Timer
	fn       goja.Callable
	args     []goja.Value
	delay    time.Duration
	interval bool
}

func newEventLoop(vm *goja.Runtime, onFault func(error, string)) *eventLoop {
	l := &eventLoop{
		vm:        vm,
		jobs:      make(chan func(), 64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		timers:    make(map[int64]*loopTimer),
		unhandled: make(map[*goja.Promise]struct{}),
		onFault:   onFault,
	}
	vm.SetPromiseRejectionTracker(l.trackRejection)
	go l.run()
	return l
}

func (l *eventLoop) run() {
	defer close(l.done)
	for {
		select {
		case job := <-l.jobs:
			l.runJob(job)
		case <-l.stop:
			for _, t := range l.timers {
				t.timer.Stop()
			}
			l.timers = nil
			return
		}
	}
}

func (l *eventLoop) runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			l.onFault(fmt.Errorf("panic in extension runtime: %v", r), "event loop")
		}
	}()
	job()
	l.flushRejections()
}

// submit enqueues job. It must not be called from the loop goroutine.
func (l *eventLoop) submit(job func()) bool {
	select {
	case <-l.stop:
		return false
	default:
	}
	select {
	case l.jobs <- job:
		return true
	case <-l.stop:
		return false
	}
}

func (l *eventLoop) close() {
	l.stopOnce.Do(func() {
		l.vm.Interrupt(errLoopClosed)
		close(l.stop)
	})
	<-l.done
}

func (l *eventLoop) trackRejection(p *goja.Promise, op goja.PromiseRejectionOperation) {
	switch op {
	case goja.PromiseRejectionReject:
		l.unhandled[p] = struct{}{}
	case goja.PromiseRejectionHandle:
		delete(l.unhandled, p)
	}
}

// markHandled stops p from being reported as an unhandled rejection.
func (l *eventLoop) markHandled(p *goja.Promise) {
	delete(l.unhandled, p)
}

func (l *eventLoop) flushRejections() {
	for p := range l.unhandled {
		delete(l.unhandled, p)
		l.onFault(fmt.Errorf("unhandled promise rejection: %s", describeValue(p.Result())), "promise")
	}
}

// setTimer schedules fn. Runs on the loop goroutine.
func (l *eventLoop) setTimer(fn goja.Callable, delay time.Duration, args []goja.Value, interval bool) int64 {
	if l.timers == nil {
		return 0
	}
	if delay < 0 {
		delay = 0
	}
	if interval && delay < time.Millisecond {
		delay = time.Millisecond
	}

	l.nextTimer++
	id := l.nextTimer
	t := &loopTimer{fn: fn, args: args, delay: delay, interval: interval}
	t.timer = time.AfterFunc(delay, func() {
		l.submit(func() { l.fireTimer(id) })
	})
	l.timers[id] = t
	return id
}

func (l *eventLoop) fireTimer(id int64) {
	t, ok := l.timers[id]
	if !ok {
		return
	}
	if t.interval {
		t.timer.Reset(t.delay)
	} else {
		delete(l.timers, id)
	}
	if _, err := t.fn(goja.Undefined(), t.args...); err != nil {
		l.onFault(fmt.Errorf("uncaught exception in timer: %s", exceptionMessage(err)), "timer")
	}
}

func (l *eventLoop) clearTimer(id int64) {
	if t, ok := l.timers[id]; ok {
		t.timer.Stop()
		delete(l.timers, id)
	}
}

// exceptionMessage renders a goja error the way a JS caller would see it.
func exceptionMessage(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return describeValue(ex.Value())
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Sprintf("interrupted: %v", interrupted.Value())
	}
	return err.Error()
}

func describeValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "undefined"
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
				return name.String() + ": " + msg.String()
			}
			return msg.String()
		}
	}
	return v.String()
}
