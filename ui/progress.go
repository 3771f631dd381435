package ui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"plugenv/envmgr"
	"plugenv/installer"
)

type eventMsg envmgr.Event

type resultMsg installer.PluginResult

type finishedMsg struct {
	report *installer.Report
	err    error
}

// Feed carries progress from provisioning goroutines to a ProgressView.
// Sends never block once the view has exited.
type Feed struct {
	ch     chan tea.Msg
	closed chan struct{}
	once   sync.Once

	done   chan struct{}
	report *installer.Report
	err    error
}

func NewFeed() *Feed {
	return &Feed{
		ch:     make(chan tea.Msg, 64),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (f *Feed) send(msg tea.Msg) {
	select {
	case <-f.closed:
		return
	default:
	}
	select {
	case f.ch <- msg:
	case <-f.closed:
	}
}

// Progress has the shape of envmgr.ProgressFunc.
func (f *Feed) Progress(ev envmgr.Event) { f.send(eventMsg(ev)) }

// Observe has the shape of installer.Options.Observer.
func (f *Feed) Observe(r installer.PluginResult) { f.send(resultMsg(r)) }

// Finish records the outcome of the run. It must be called exactly once.
func (f *Feed) Finish(report *installer.Report, err error) {
	f.report, f.err = report, err
	close(f.done)
	f.send(finishedMsg{report: report, err: err})
}

// Wait blocks until Finish has been called.
func (f *Feed) Wait() (*installer.Report, error) {
	<-f.done
	return f.report, f.err
}

func (f *Feed) detach() {
	f.once.Do(func() { close(f.closed) })
}

func (f *Feed) next() tea.Msg {
	select {
	case msg := <-f.ch:
		return msg
	case <-f.closed:
		return nil
	}
}

type pluginRow struct {
	stage   string
	percent float64
	message string
	result  *installer.PluginResult
}

// ProgressView shows one line per plugin while an installation run is in
// flight.
type ProgressView struct {
	title      string
	feed       *Feed
	cancel     context.CancelFunc
	spinner    spinner.Model
	rows       map[string]*pluginRow
	width      int
	cancelling bool
	finished   bool
	err        error
}

func NewProgressView(title string, feed *Feed, cancel context.CancelFunc) ProgressView {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = AccentStyle
	return ProgressView{
		title:   title,
		feed:    feed,
		cancel:  cancel,
		spinner: s,
		rows:    make(map[string]*pluginRow),
	}
}

func (m ProgressView) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.feed.next)
}

func (m ProgressView) row(name string) *pluginRow {
	r, ok := m.rows[name]
	if !ok {
		r = &pluginRow{}
		m.rows[name] = r
	}
	return r
}

func (m ProgressView) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if !m.cancelling && m.cancel != nil {
				m.cancelling = true
				m.cancel()
			}
		}
		return m, nil

	case eventMsg:
		r := m.row(msg.Plugin)
		r.stage, r.percent, r.message = msg.Stage, msg.Percent, msg.Message
		return m, m.feed.next

	case resultMsg:
		res := installer.PluginResult(msg)
		m.row(res.Plugin).result = &res
		return m, m.feed.next

	case finishedMsg:
		m.finished = true
		m.err = msg.err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m ProgressView) View() string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render(m.title))
	b.WriteString("\n\n")

	names := make([]string, 0, len(m.rows))
	for n := range m.rows {
		names = append(names, n)
	}
	sort.Strings(names)

	nameWidth := 0
	for _, n := range names {
		nameWidth = max(nameWidth, len(n))
	}
	msgWidth := 50
	if m.width > 0 {
		msgWidth = max(m.width-nameWidth-16, 10)
	}

	for _, n := range names {
		r := m.rows[n]
		var line string
		switch {
		case r.result != nil:
			res := r.result
			line = fmt.Sprintf("%s %-*s %s", statusIcon(res.Status), nameWidth, n, StatusStyle(res.Status).Render(string(res.Status)))
			if res.Detail != "" {
				line += " " + DimStyle.Render(truncate(res.Detail, msgWidth))
			}
		default:
			line = fmt.Sprintf("%s %-*s %3.0f%% %s", m.spinner.View(), nameWidth, n, r.percent, DimStyle.Render(truncate(r.message, msgWidth)))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	switch {
	case m.finished:
	case m.cancelling:
		b.WriteString(WarningStyle.Render("Cancelling, waiting for running installs to stop..."))
	default:
		b.WriteString(HelpStyle.Render(FormatFooter("Ctrl+C", "Cancel run")))
	}
	b.WriteString("\n")
	return b.String()
}

func statusIcon(s installer.Status) string {
	switch s {
	case installer.StatusReady:
		return ReadyStyle.Render("✓")
	case installer.StatusFailed:
		return FailedStyle.Render("✗")
	default:
		return DimStyle.Render("-")
	}
}

// RunProgress shows the view until the feed finishes, then returns the run's
// outcome.
func RunProgress(title string, feed *Feed, cancel context.CancelFunc) (*installer.Report, error) {
	p := tea.NewProgram(NewProgressView(title, feed, cancel))
	_, err := p.Run()
	feed.detach()
	if err != nil {
		// The run keeps going without a view; cancel it and wait.
		if cancel != nil {
			cancel()
		}
		_, _ = feed.Wait()
		return nil, fmt.Errorf("progress view: %w", err)
	}
	return feed.Wait()
}
