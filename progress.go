package main

import (
	"fmt"
	"io"

	"github.com/schollz/progressbar/v2"
)

// progressTracker renders a bar for observability only; a nil tracker is a no-op.
type progressTracker struct {
	bar *progressbar.ProgressBar
	out io.Writer
}

func newProgressTracker(out io.Writer, total int) *progressTracker {
	if out == nil || total == 0 {
		return nil
	}
	return &progressTracker{
		bar: progressbar.NewOptions(total,
			progressbar.OptionSetWriter(out),
			progressbar.OptionSetRenderBlankState(true),
		),
		out: out,
	}
}

func (p *progressTracker) Step() {
	if p == nil {
		return
	}
	_ = p.bar.Add(1)
}

func (p *progressTracker) Done() {
	if p == nil {
		return
	}
	fmt.Fprintln(p.out)
}
