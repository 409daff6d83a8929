package transfer

import "sync/atomic"

// progress turns byte counts of one job into Events. It implements
// tus.ProgressListener for resumable uploads.
type progress struct {
	d    *Dispatcher
	j    *job
	base int64 // bytes already on the server when the job started
	done atomic.Int64
}

func newProgress(d *Dispatcher, j *job) *progress {
	return &progress{d: d, j: j}
}

func (p *progress) OnProgress(delta, _, _ int64) {
	p.add(delta)
}

func (p *progress) add(delta int64) {
	t := p.j.transfer
	sent := p.base + p.done.Add(delta)
	if t.SizeBytes > 0 {
		sent = min(sent, t.SizeBytes)
	}
	p.d.emit(Event{JobID: t.ID, Kind: t.Kind, Path: t.LocalPath, Sent: sent, Total: t.SizeBytes, Status: t.Status})
}

func (p *progress) Write(b []byte) (int, error) {
	p.add(int64(len(b)))
	return len(b), nil
}
