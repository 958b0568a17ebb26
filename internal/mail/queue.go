// queue.go
//
// Redis-backed async mail queue. QueuedSender implements Sender and enqueues
// jobs instead of sending synchronously; StartWorker drains the queue in a
// background goroutine and hands each job to the inner Sender (SMTPSender).
package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// QueueKey is the Redis list used as the outbound mail queue.
const QueueKey = "manu:mail:queue"

// DefaultMaxQueueSize is the cap applied in production.
// Prevents unbounded growth when the SMTP server is down. 0 = unlimited.
const DefaultMaxQueueSize int64 = 1000

// ErrQueueFull is returned by Send when the queue has reached its size cap.
var ErrQueueFull = errors.New("mail queue full")

// job is the serialized payload pushed onto the queue.
type job struct {
	ID         string    `json:"id"`
	Message    Message   `json:"message"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// QueuedSender enqueues messages to Redis so the HTTP handler returns
// immediately without waiting for SMTP. Callers are unaware of async dispatch.
type QueuedSender struct {
	inner        Sender
	rdb          *redis.Client
	maxQueueSize int64 // 0 = unlimited

	// OnFailure, if set, is called once per job the worker could not send.
	OnFailure func()
}

// NewQueuedSender wraps inner with a Redis-backed async queue.
// maxSize caps the queue length (0 = unlimited); use DefaultMaxQueueSize for production.
func NewQueuedSender(inner Sender, rdb *redis.Client, maxSize int64) *QueuedSender {
	return &QueuedSender{inner: inner, rdb: rdb, maxQueueSize: maxSize}
}

// enqueueScript atomically checks the queue length and pushes the job only if
// under the cap. Returns 1 if enqueued, 0 if rejected (queue full).
// KEYS[1] = queue key, ARGV[1] = max size (0 = skip check), ARGV[2] = payload.
var enqueueScript = redis.NewScript(`
local max = tonumber(ARGV[1])
if max > 0 and redis.call('LLEN', KEYS[1]) >= max then
    return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

// Send enqueues msg and returns the delivery id assigned to the job.
func (q *QueuedSender) Send(ctx context.Context, msg Message) (string, error) {
	j := job{ID: ulid.Make().String(), Message: msg, EnqueuedAt: time.Now().UTC()}
	data, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("marshaling mail job: %w", err)
	}
	ok, err := enqueueScript.Run(ctx, q.rdb, []string{QueueKey}, q.maxQueueSize, data).Int64()
	if err != nil {
		return "", fmt.Errorf("enqueuing mail job: %w", err)
	}
	if ok == 0 {
		return "", ErrQueueFull
	}
	return j.ID, nil
}

// StartWorker drains the mail queue in a loop, dispatching each job to inner.
// Blocks until ctx is cancelled (server shutdown). Call in a goroutine.
func (q *QueuedSender) StartWorker(ctx context.Context) {
	for {
		// BLPop blocks up to 2s then returns redis.Nil -- keeps the loop
		// responsive to ctx cancellation without busy-spinning.
		res, err := q.rdb.BLPop(ctx, 2*time.Second, QueueKey).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, redis.Nil) {
				slog.Error("mail worker: queue pop failed", "err", err)
				time.Sleep(time.Second)
			}
			continue
		}
		// res[0] = key name, res[1] = payload
		var j job
		if err := json.Unmarshal([]byte(res[1]), &j); err != nil {
			slog.Error("mail worker: bad job payload", "err", err)
			continue
		}
		q.dispatch(ctx, j)
	}
}

// dispatch hands one job to the inner Sender.
// Errors are logged and dropped -- no retry.
func (q *QueuedSender) dispatch(ctx context.Context, j job) {
	if _, err := q.inner.Send(ctx, j.Message); err != nil {
		slog.Error("mail worker: send failed", "delivery_id", j.ID, "to", j.Message.To, "err", err)
		if q.OnFailure != nil {
			q.OnFailure()
		}
		return
	}
	slog.Debug("mail worker: sent", "delivery_id", j.ID, "queued_for", time.Since(j.EnqueuedAt))
}
