package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

// ensureUniqueFor collapses ensure requests issued within the window.
const ensureUniqueFor = time.Hour

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) (*Client, error) {
	return &Client{client: asynq.NewClient(redisOpts)}, nil
}

// EnqueueEnsurePeriods enqueues an ensure run. A duplicate within the
// uniqueness window returns a nil TaskInfo and no error.
func (c *Client) EnqueueEnsurePeriods(ctx context.Context, reason string) (*asynq.TaskInfo, error) {
	task, err := NewEnsurePeriodsTask(reason)
	if err != nil {
		return nil, err
	}
	info, err := c.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueDefault),
		asynq.Unique(ensureUniqueFor),
		asynq.MaxRetry(3),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil, nil
	}
	return info, err
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
