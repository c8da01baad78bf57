package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tutu-network/ocrd/internal/app/notify"
	"github.com/tutu-network/ocrd/internal/domain"
)

// ─── Progress Bar ───────────────────────────────────────────────────────────
// Terminal progress bar for a running task, fed by push events.
// Shows: page.pdf  [===========>..................]  42% | Running | ETA 35s

const barWidth = 30 // Characters for the progress bar

type progressBar struct {
	w       io.Writer
	label   string
	started time.Time
	status  domain.TaskStatus
	pct     int
}

func newProgressBar(w io.Writer, label string) *progressBar {
	return &progressBar{
		w:       w,
		label:   label,
		started: time.Now(),
		status:  domain.TaskPending,
	}
}

// update renders one event. Events that would move the bar backwards are
// ignored.
func (p *progressBar) update(ev notify.Event) {
	if ev.Status != "" {
		p.status = ev.Status
	}
	if ev.Progress > p.pct {
		p.pct = ev.Progress
	}
	p.render(time.Now())
}

// finish draws the final line for a terminal task.
func (p *progressBar) finish(t domain.Task) {
	p.status = t.Status
	if t.Progress > p.pct {
		p.pct = t.Progress
	}
	p.render(time.Now())
	fmt.Fprintln(p.w)
}

func (p *progressBar) render(now time.Time) {
	pct := min(max(p.pct, 0), 100)

	// Build the bar: [=======>............]
	filled := pct * barWidth / 100
	empty := barWidth - filled

	var bar string
	if filled == barWidth {
		bar = strings.Repeat("=", filled)
	} else if filled > 0 {
		bar = strings.Repeat("=", filled-1) + ">" + strings.Repeat(".", empty)
	} else {
		bar = strings.Repeat(".", barWidth)
	}

	tail := p.calculateETA(pct, now)
	if p.status.IsTerminal() {
		tail = fmt.Sprintf("took %s", now.Sub(p.started).Round(time.Second))
	}

	clearLine(p.w)
	fmt.Fprintf(p.w, "%s  [%s] %3d%% | %s | %s", p.label, bar, pct, p.status, tail)
}

func (p *progressBar) calculateETA(pct int, now time.Time) string {
	if pct <= 0 || pct >= 100 {
		return "ETA --"
	}

	elapsed := now.Sub(p.started).Seconds()
	if elapsed < 1 {
		return "ETA --"
	}

	totalEstimated := elapsed / (float64(pct) / 100)
	remaining := totalEstimated - elapsed

	if remaining < 0 {
		remaining = 0
	}

	if remaining < 60 {
		return fmt.Sprintf("ETA %ds", int(remaining))
	}
	if remaining < 3600 {
		return fmt.Sprintf("ETA %dm%ds", int(remaining)/60, int(remaining)%60)
	}
	return fmt.Sprintf("ETA %dh%dm", int(remaining)/3600, (int(remaining)%3600)/60)
}

func clearLine(w io.Writer) {
	fmt.Fprintf(w, "\r\033[K")
}
