package transport

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-relay/internal/domain"
)

// DefaultPollInterval is the wait between job status polls.
const DefaultPollInterval = time.Second

const defaultJobFailure = "async job failed"

// AsyncResult is the typed report of one async attempt. Err is nil when the
// job succeeded.
type AsyncResult struct {
	JobID string
	Job   domain.Job
	Polls int
	Err   *domain.Error
}

// Async runs enqueue-then-poll attempts.
type Async struct {
	Queue        JobQueue
	PollInterval time.Duration
	Logger       *zerolog.Logger
	// OnPoll, when set, observes every poll with its result ("ok", "error",
	// "regressed").
	OnPoll func(result string)
}

// Run enqueues sub under its key and polls the job until it is terminal or
// ctx is canceled. Poll failures are transient: they are logged and the
// next tick polls again. A status that would move the job backwards is
// ignored.
func (t *Async) Run(ctx context.Context, sub domain.Submission) AsyncResult {
	interval := t.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	lg := loggerOr(t.Logger).With().
		Str("mode", string(domain.ModeAsync)).
		Str("session_id", sub.SessionID).
		Str("key", sub.Key).
		Logger()

	var res AsyncResult
	canceled := func() AsyncResult {
		res.Err = domain.NewError(domain.KindCanceled, domain.ModeAsync, "", ctx.Err())
		return res
	}

	id, err := t.Queue.EnqueueJob(ctx, sub)
	if err != nil {
		if ctx.Err() != nil {
			return canceled()
		}
		res.Err = domain.AsError(err, domain.ModeAsync)
		lg.Warn().Err(res.Err).Msg("enqueue failed")
		return res
	}
	res.JobID = id
	res.Job = domain.Job{ID: id, Status: domain.JobQueued}
	lg = lg.With().Str("job_id", id).Logger()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return canceled()
		case <-ticker.C:
		}

		job, err := t.Queue.GetJob(ctx, id)
		res.Polls++
		if err != nil {
			if ctx.Err() != nil {
				return canceled()
			}
			t.observe("error")
			lg.Debug().Err(err).Int("poll", res.Polls).Msg("job poll failed; retrying")
			continue
		}
		if !domain.CanTransition(res.Job.Status, job.Status) {
			t.observe("regressed")
			lg.Debug().Str("from", string(res.Job.Status)).Str("to", string(job.Status)).Msg("ignoring job status regression")
			continue
		}
		t.observe("ok")
		job.ID = id
		res.Job = job

		switch job.Status {
		case domain.JobSucceeded:
			lg.Debug().Int("polls", res.Polls).Msg("job succeeded")
			return res
		case domain.JobFailed:
			msg := job.Error
			if msg == "" {
				msg = defaultJobFailure
			}
			res.Err = domain.NewError(domain.KindJobFailed, domain.ModeAsync, msg, nil)
			lg.Warn().Str("error", msg).Msg("job failed")
			return res
		}
	}
}

func (t *Async) observe(result string) {
	if t.OnPoll != nil {
		t.OnPoll(result)
	}
}
