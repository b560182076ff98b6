package orchestrator

import (
	"time"

	"github.com/t77yq/agentpool/internal/model"
)

// tiers lists queue tiers from highest to lowest priority
var tiers = []model.TaskPriority{
	model.TaskPriorityHigh,
	model.TaskPriorityNormal,
	model.TaskPriorityLow,
}

// pending is a submitted task waiting for an agent
type pending struct {
	task   *model.Task
	handle *TaskHandle
}

// taskQueue is a bounded FIFO per priority tier.
// It is owned by the control loop and is not safe for concurrent use.
type taskQueue struct {
	queues map[model.TaskPriority][]*pending
	limit  int
	size   int
}

func newTaskQueue(limit int) *taskQueue {
	q := &taskQueue{
		queues: make(map[model.TaskPriority][]*pending, len(tiers)),
		limit:  limit,
	}
	for _, tier := range tiers {
		q.queues[tier] = nil
	}
	return q
}

// Len returns the number of queued tasks across all tiers
func (q *taskQueue) Len() int {
	return q.size
}

// Push appends p to the tail of its tier
func (q *taskQueue) Push(p *pending) error {
	if q.limit > 0 && q.size >= q.limit {
		return &QueueOverflowError{Limit: q.limit}
	}
	q.queues[p.task.Priority] = append(q.queues[p.task.Priority], p)
	q.size++
	return nil
}

// Pop removes the oldest task of the highest non-empty tier
func (q *taskQueue) Pop() *pending {
	for _, tier := range tiers {
		queue := q.queues[tier]
		if len(queue) == 0 {
			continue
		}
		p := queue[0]
		queue[0] = nil
		q.queues[tier] = queue[1:]
		q.size--
		return p
	}
	return nil
}

// Expire removes and returns every task whose deadline passed at now
func (q *taskQueue) Expire(now time.Time) []*pending {
	var expired []*pending
	for _, tier := range tiers {
		queue := q.queues[tier]
		kept := queue[:0]
		for _, p := range queue {
			if p.task.Expired(now) {
				expired = append(expired, p)
				continue
			}
			kept = append(kept, p)
		}
		for i := len(kept); i < len(queue); i++ {
			queue[i] = nil
		}
		q.queues[tier] = kept
	}
	q.size -= len(expired)
	return expired
}

// Drain removes and returns every queued task in dispatch order
func (q *taskQueue) Drain() []*pending {
	var out []*pending
	for p := q.Pop(); p != nil; p = q.Pop() {
		out = append(out, p)
	}
	return out
}
