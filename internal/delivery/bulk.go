package delivery

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/dyluth/parley/pkg/message"
)

// DeliverBulk delivers messages concurrently, at most bulkWorkers at a time,
// and returns one result per distinct message.
//
// Results are keyed by message ID. Messages without an ID are assigned one
// (the caller's message is not modified). A nil entry is reported under the
// key "#<index>", extended with further "#" until it clashes with no message
// ID in the batch. When several messages share an ID only the first is
// attempted; the store treats the ID as an idempotency key, so later copies
// would be no-ops. A panic while delivering one message is contained,
// audited and reported as that message's result.
func (e *Engine) DeliverBulk(ctx context.Context, msgs []*message.Message) map[string]*Result {
	results := make(map[string]*Result, len(msgs))
	var mu sync.Mutex

	type job struct {
		key string
		msg *message.Message
	}
	jobs := make([]job, 0, len(msgs))
	var nils []int

	for i, msg := range msgs {
		if msg == nil {
			nils = append(nils, i)
			continue
		}
		if msg.ID == "" {
			msg = msg.Clone()
			msg.ID = message.NewID()
		}
		if _, seen := results[msg.ID]; seen {
			continue
		}
		// Reserve the key so duplicates later in the batch are skipped.
		results[msg.ID] = nil
		jobs = append(jobs, job{key: msg.ID, msg: msg})
	}

	for _, i := range nils {
		key := fmt.Sprintf("#%d", i)
		for {
			if _, taken := results[key]; !taken {
				break
			}
			key += "#"
		}
		results[key] = e.Deliver(ctx, nil)
	}

	sem := make(chan struct{}, e.bulkWorkers)
	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(j job) {
			defer wg.Done()
			defer func() { <-sem }()

			res := e.deliverSafely(ctx, j.msg)
			mu.Lock()
			results[j.key] = res
			mu.Unlock()
		}(j)
	}
	wg.Wait()

	return results
}

func (e *Engine) deliverSafely(ctx context.Context, msg *message.Message) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Delivery] Recovered panic delivering message %s: %v", msg.ID, r)
			err := fmt.Errorf("delivery panicked: %v", r)
			res = &Result{
				MessageID: msg.ID,
				Recipient: msg.Recipient,
				Status:    message.StatusAbandoned,
				Reason:    err.Error(),
				Err:       err,
			}
			e.finish(res)
		}
	}()
	return e.Deliver(ctx, msg)
}
