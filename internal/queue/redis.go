package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/covecrm/crmflow/internal/core"
	"github.com/covecrm/crmflow/internal/domain"
	"github.com/covecrm/crmflow/internal/repository"
)

const defaultClaimLease = 5 * time.Minute

// RedisQueue schedules jobs in Redis while the workflow_jobs table stays the
// system of record. A scheduled ZSET is scored by due time and a claims ZSET
// by lease expiry; members are job ids. Claiming moves a member between the
// two atomically, so two executors sharing the index never run the same job.
type RedisQueue struct {
	rdb    redis.UniversalClient
	jobs   *repository.JobRepository
	clock  core.Clock
	prefix string
	lease  time.Duration
}

func NewRedisQueue(rdb redis.UniversalClient, jobs *repository.JobRepository, clock core.Clock) *RedisQueue {
	return &RedisQueue{
		rdb:    rdb,
		jobs:   jobs,
		clock:  clock,
		prefix: "crmflow",
		lease:  defaultClaimLease,
	}
}

func (q *RedisQueue) scheduledKey() string { return q.prefix + ":jobs:scheduled" }
func (q *RedisQueue) claimsKey() string    { return q.prefix + ":jobs:claims" }

func (q *RedisQueue) Enqueue(ctx context.Context, job *domain.WorkflowJob) error {
	job.Status = domain.JobStatusPending
	if _, err := q.jobs.Save(job); err != nil {
		return err
	}
	err := q.rdb.ZAdd(ctx, q.scheduledKey(), redis.Z{
		Score:  float64(job.ScheduledAt.UTC().Unix()),
		Member: job.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("could not add job %d to scheduled set: %w", job.ID, err)
	}
	return nil
}

// claimCmd moves up to ARGV[2] due members from the scheduled ZSET to the
// claims ZSET, re-scored by lease expiry.
// - KEYS[1] = scheduled ZSET
// - KEYS[2] = claims ZSET
// - ARGV[1] = current timestamp
// - ARGV[2] = batch size
// - ARGV[3] = lease expiry timestamp
var claimCmd = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, id in ipairs(due) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("ZADD", KEYS[2], ARGV[3], id)
end
return due
`)

func (q *RedisQueue) DequeueDue(ctx context.Context, executorID int64, size int) ([]domain.WorkflowJob, error) {
	now := q.clock.Now().UTC().Unix()
	res, err := claimCmd.Run(ctx, q.rdb,
		[]string{q.scheduledKey(), q.claimsKey()},
		now, size, now+int64(q.lease.Seconds())).Result()
	if err != nil {
		return nil, fmt.Errorf("could not claim due jobs: %w", err)
	}

	ids := res.([]interface{})
	claimed := make([]domain.WorkflowJob, 0, len(ids))
	for _, raw := range ids {
		var id int64
		if _, err := fmt.Sscanf(fmt.Sprint(raw), "%d", &id); err != nil {
			continue
		}
		// the row claim keeps attempts and executor ownership in the
		// system of record even if Redis state is lost
		if !q.jobs.Claim(id, executorID) {
			q.rdb.ZRem(ctx, q.claimsKey(), id)
			continue
		}
		job, err := q.jobs.FindByID(id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *job)
	}
	return claimed, nil
}

func (q *RedisQueue) Complete(ctx context.Context, job *domain.WorkflowJob) error {
	if err := q.jobs.MarkDone(job.ID); err != nil {
		return err
	}
	return q.rdb.ZRem(ctx, q.claimsKey(), job.ID).Err()
}

func (q *RedisQueue) Release(ctx context.Context, job *domain.WorkflowJob, at time.Time) error {
	if err := q.jobs.Reschedule(job.ID, at); err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.claimsKey(), job.ID)
	pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{
		Score:  float64(at.UTC().Unix()),
		Member: job.ID,
	})
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Fail(ctx context.Context, job *domain.WorkflowJob) error {
	if err := q.jobs.MarkFailed(job.ID); err != nil {
		return err
	}
	return q.rdb.ZRem(ctx, q.claimsKey(), job.ID).Err()
}

// recoverCmd returns claimed members whose lease expired and moves them back
// to the scheduled ZSET for immediate pickup.
// - KEYS[1] = claims ZSET
// - KEYS[2] = scheduled ZSET
// - ARGV[1] = current timestamp
var recoverCmd = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(expired) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("ZADD", KEYS[2], ARGV[1], id)
end
return expired
`)

func (q *RedisQueue) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := q.clock.Now().UTC().Unix()
	res, err := recoverCmd.Run(ctx, q.rdb, []string{q.claimsKey(), q.scheduledKey()}, now).Result()
	if err != nil {
		return 0, fmt.Errorf("could not recover claimed jobs: %w", err)
	}
	expired := res.([]interface{})

	// release the rows too so the table agrees with the index
	cutoff := q.clock.Now().Add(-olderThan)
	if _, err := q.jobs.ReleaseStuck(cutoff); err != nil {
		return 0, err
	}
	return int64(len(expired)), nil
}
