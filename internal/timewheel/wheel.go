package timewheel

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is a keyed callback scheduled on the wheel.
type Task struct {
	ID       string
	Fn       func()
	ExpireAt time.Time

	slot   int
	rounds int
}

// TimeWheel is a hashed timing wheel. Each task ID lives in exactly one slot,
// so scheduling an existing ID moves it instead of stacking a second timer.
// Delays longer than one revolution are tracked with a rounds counter.
type TimeWheel struct {
	mu      sync.Mutex
	tick    time.Duration
	slots   []*slot
	current int
	index   map[string]*Task
	logger  *slog.Logger
}

// New creates a wheel with slotCount positions advancing every tick.
func New(tick time.Duration, slotCount int, logger *slog.Logger) *TimeWheel {
	if slotCount <= 0 {
		slotCount = 60
	}
	if tick <= 0 {
		tick = time.Second
	}

	tw := &TimeWheel{
		tick:   tick,
		slots:  make([]*slot, slotCount),
		index:  make(map[string]*Task),
		logger: logger.With("component", "timewheel"),
	}
	for i := range tw.slots {
		tw.slots[i] = newSlot()
	}
	return tw
}

// AddTask schedules fn to run after delay, replacing any pending task with the
// same id.
func (tw *TimeWheel) AddTask(id string, delay time.Duration, fn func()) {
	ticks := int((delay + tw.tick - 1) / tw.tick)
	if ticks < 1 {
		ticks = 1
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()

	if old, ok := tw.index[id]; ok {
		tw.slots[old.slot].remove(id)
	}

	n := len(tw.slots)
	task := &Task{
		ID:       id,
		Fn:       fn,
		ExpireAt: time.Now().Add(delay),
		slot:     (tw.current + ticks) % n,
		rounds:   (ticks - 1) / n,
	}
	tw.slots[task.slot].add(task)
	tw.index[id] = task
}

// RemoveTask cancels the pending task with id. It reports false when the task
// already fired or never existed.
func (tw *TimeWheel) RemoveTask(id string) bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	task, ok := tw.index[id]
	if !ok {
		return false
	}
	delete(tw.index, id)
	return tw.slots[task.slot].remove(id)
}

// Has reports whether a task with id is pending.
func (tw *TimeWheel) Has(id string) bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	_, ok := tw.index[id]
	return ok
}

// Len returns the number of pending tasks.
func (tw *TimeWheel) Len() int {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	return len(tw.index)
}

// Tick advances the wheel by one slot and returns the tasks that became due.
// The returned tasks are no longer pending.
func (tw *TimeWheel) Tick() []*Task {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.current = (tw.current + 1) % len(tw.slots)
	due := tw.slots[tw.current].collect()
	for _, task := range due {
		delete(tw.index, task.ID)
	}
	return due
}

// Run advances the wheel on a ticker until ctx is done. Due callbacks are
// handed to exec; a nil exec runs them on the ticking goroutine.
func (tw *TimeWheel) Run(ctx context.Context, exec func(func())) {
	ticker := time.NewTicker(tw.tick)
	defer ticker.Stop()

	tw.logger.Info("Time wheel started",
		"tick", tw.tick,
		"slots", len(tw.slots))

	for {
		select {
		case <-ctx.Done():
			tw.logger.Info("Time wheel stopped", "pending", tw.Len())
			return
		case <-ticker.C:
			for _, task := range tw.Tick() {
				if task.Fn == nil {
					continue
				}
				if exec != nil {
					exec(task.Fn)
				} else {
					tw.safeRun(task)
				}
			}
		}
	}
}

func (tw *TimeWheel) safeRun(task *Task) {
	defer func() {
		if r := recover(); r != nil {
			tw.logger.Error("Wheel task panic recovered", "task_id", task.ID, "panic", r)
		}
	}()
	task.Fn()
}
