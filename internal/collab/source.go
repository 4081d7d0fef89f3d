package collab

import (
	"context"

	"github.com/smazurov/capturenode/pkg/linuxav/userjob"
)

// JobSource is where a collaborator reads jobs and posts answers.
type JobSource interface {
	// WaitForJob blocks until a job newer than lastSeen is posted and returns
	// it with its counter.
	WaitForJob(ctx context.Context, lastSeen uint64) (userjob.Job, uint64, error)
	// Acknowledge posts an answer and reports whether it matched the outstanding job.
	Acknowledge(ctx context.Context, done userjob.Done) (bool, error)
}

// MailboxSource serves jobs straight from an in-process mailbox.
type MailboxSource struct {
	Mailbox *userjob.Mailbox
}

// WaitForJob implements JobSource.
func (s MailboxSource) WaitForJob(ctx context.Context, lastSeen uint64) (userjob.Job, uint64, error) {
	return s.Mailbox.WaitForJob(ctx, lastSeen)
}

// Acknowledge implements JobSource.
func (s MailboxSource) Acknowledge(_ context.Context, done userjob.Done) (bool, error) {
	return s.Mailbox.Acknowledge(done), nil
}
