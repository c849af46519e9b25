package backup

import (
	"io"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// progress renders per-file transfer bars. A nil-container progress is a
// no-op so managers never branch on TTY state.
type progress struct {
	p *mpb.Progress
}

func newProgress(enabled bool) *progress {
	if !enabled {
		return &progress{}
	}
	return &progress{p: mpb.New(mpb.WithWidth(64))}
}

func (pr *progress) addBar(name string, total int64) *mpb.Bar {
	if pr.p == nil {
		return nil
	}
	return pr.p.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1}),
			decor.CountersKibiByte("% .2f / % .2f"),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
			decor.OnComplete(decor.Name(" [DONE]"), " [DONE]"),
		),
	)
}

// wrap meters r against bar. Restarted transfers reset the bar so retries
// report honest progress.
func (pr *progress) wrap(r io.Reader, bar *mpb.Bar) io.Reader {
	if bar == nil {
		return r
	}
	bar.SetCurrent(0)
	return &progressReader{r: r, bar: bar}
}

// done completes bar at whatever count it reached, for transfers whose
// exact wire size is not known up front.
func (pr *progress) done(bar *mpb.Bar) {
	if bar != nil {
		bar.SetTotal(-1, true)
	}
}

func (pr *progress) abort(bar *mpb.Bar) {
	if bar != nil {
		bar.Abort(true)
	}
}

func (pr *progress) Wait() {
	if pr.p != nil {
		pr.p.Wait()
	}
}

type progressReader struct {
	r   io.Reader
	bar *mpb.Bar
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.bar.IncrBy(n)
	}
	return n, err
}
