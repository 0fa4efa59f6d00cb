// Package progress is a thin schollz/progressbar wrapper around the
// per-class progress callback orchestrator.Pipeline.Progress exposes,
// grounded on btrfs-optimize's direct progressbar usage in its dedupe
// command.
package progress

import (
	"io"

	"github.com/schollz/progressbar/v3"
)

// ClassBar renders one bar tracking classes processed out of a pass's
// total, the way btrfs-optimize tracks bytes deduped.
type ClassBar struct {
	bar *progressbar.ProgressBar
}

// NewClassBar returns a ClassBar writing to w. A nil w disables
// rendering entirely (useful for --log-format json runs, where a
// progress bar would corrupt the log stream).
func NewClassBar(w io.Writer, description string) *ClassBar {
	if w == nil {
		return &ClassBar{}
	}
	return &ClassBar{
		bar: progressbar.NewOptions(-1,
			progressbar.OptionSetDescription(description),
			progressbar.OptionSetWriter(w),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		),
	}
}

// Update is passed directly as an orchestrator.Pipeline.Progress callback.
func (c *ClassBar) Update(done, total int) {
	if c.bar == nil {
		return
	}
	if c.bar.GetMax() != total {
		c.bar.ChangeMax(total)
	}
	c.bar.Set(done)
}

// Finish clears the bar, matching btrfs-optimize's progressBar.Exit()
// on the terminal exit path.
func (c *ClassBar) Finish() {
	if c.bar == nil {
		return
	}
	c.bar.Finish()
}
