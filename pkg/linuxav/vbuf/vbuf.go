// Package vbuf implements a capture buffer queue: a pool of frame buffers,
// their scatter-gather descriptor lists, and the per-buffer state machine
//
//	Free -> Prepared -> Queued -> Active -> Done -> Free
//
// with Error reachable from Prepared, Queued and Active and always followed
// by a forced return to Free.
//
// # Format Negotiation
//
// NegotiateSize derives per-plane stride and size from width, height and
// pixel layout using the session's alignment constants:
//
//	f, err := vbuf.NegotiateSize(vbuf.Format{
//	    Width: 1920, Height: 1080, Layout: vbuf.LayoutNV12,
//	}, vbuf.Alignment{H: 64, V: 1})
//	// f.Planes[0].Stride == 1920, f.Planes[0].Size == 3110400
//
// # Buffer Lifecycle
//
// Backing memory is resolved into descriptors through a Platform, which the
// host supplies (see package dmamem):
//
//	q := vbuf.NewQueue(&vbuf.QueueOptions{Platform: platform})
//	q.SetFormat(f)
//	q.Setup(4, f.PlaneSizes())
//	q.Prepare(ctx, 0, nil)
//	q.Enqueue(0)
//	b, _ := q.SelectForTransfer()      // hand b.SG() to the transfer engine
//	q.OnTransferComplete(b.Index(), nil)
//	info, _ := q.Dequeue(ctx, false)
//	q.Cleanup(ctx, info.Index)
//
// A buffer carries a descriptor list exactly while it is Prepared, Queued,
// Active or Done. Failed descriptor resolution during Prepare releases every
// descriptor acquired so far before returning ErrResourceExhausted.
package vbuf
