// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package netpoll

import "sync"

// TaskFunc runs on the poller goroutine, posted via Poller.Trigger or
// Poller.UrgentTrigger from some other goroutine.
type TaskFunc func(arg interface{}) error

type task struct {
	Run TaskFunc
	Arg interface{}
}

var taskPool = sync.Pool{New: func() interface{} { return new(task) }}

func getTask() *task  { return taskPool.Get().(*task) }
func putTask(t *task) { t.Run, t.Arg = nil, nil; taskPool.Put(t) }

// taskQueue is a mutex-protected FIFO of tasks. The teacher's original
// netpoll used a lock-free MPSC queue; a single poller goroutine drains
// this one so a plain mutex is simpler and no slower in practice at
// this engine's scale.
type taskQueue struct {
	mu    sync.Mutex
	items []*task
}

func newTaskQueue() *taskQueue { return &taskQueue{} }

func (q *taskQueue) enqueue(t *task) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
}

func (q *taskQueue) dequeue() *task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return t
}

func (q *taskQueue) isEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}
