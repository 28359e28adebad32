package main

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/kabili207/fota-go/device/updater"
)

// progressBar redraws a single terminal line with the transfer progress.
type progressBar struct {
	w     io.Writer
	bar   progress.Model
	label lipgloss.Style
	drawn bool
}

func newProgressBar(w io.Writer) *progressBar {
	return &progressBar{
		w:     w,
		bar:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		label: lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

func (p *progressBar) render(pr updater.Progress) string {
	desc := fmt.Sprintf("%s %d/%d bytes, %d chunks, %s", pr.State, pr.Offset, pr.Total, pr.Chunks,
		pr.Elapsed.Truncate(100*time.Millisecond))
	return p.bar.ViewAs(pr.Percent/100) + " " + p.label.Render(desc)
}

func (p *progressBar) update(pr updater.Progress) {
	fmt.Fprint(p.w, "\r"+p.render(pr))
	p.drawn = true
}

// finish ends the line after a transfer so log output starts clean.
func (p *progressBar) finish() {
	if p.drawn {
		fmt.Fprintln(p.w)
		p.drawn = false
	}
}
