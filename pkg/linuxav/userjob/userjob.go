// Package userjob implements the single-slot synchronous mailbox used to hand
// control decisions (format, allocation, buffer placement, streaming control)
// to a userspace collaborator.
//
// The driver side calls Dispatch and blocks until the collaborator answers
// with a Done carrying the same kind and sequence number. The collaborator
// side detects new jobs with PollForJob or WaitForJob and answers with
// Acknowledge:
//
//	var seen uint64
//	for {
//	    job, counter, err := mbox.WaitForJob(ctx, seen)
//	    if err != nil {
//	        return err
//	    }
//	    seen = counter
//	    mbox.Acknowledge(userjob.Done{Kind: job.Kind, Sequence: job.Sequence})
//	}
package userjob
