package ui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// InstanceLockedModal is shown when another plugenv process holds the data
// directory lock. The user can exit or force delete the lock file.
type InstanceLockedModal struct {
	runningPID  int
	dataDir     string
	width       int
	height      int
	forceDelete bool
}

func NewInstanceLockedModal(runningPID int, dataDir string) InstanceLockedModal {
	return InstanceLockedModal{runningPID: runningPID, dataDir: dataDir}
}

func (m InstanceLockedModal) Init() tea.Cmd {
	return nil
}

func (m InstanceLockedModal) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "enter", "esc", "ctrl+c", "q":
			return m, tea.Quit
		case "d", "D":
			m.forceDelete = true
			return m, tea.Quit
		}
	}

	return m, nil
}

// ForceDelete returns true if the user chose to force delete the lock file
func (m InstanceLockedModal) ForceDelete() bool {
	return m.forceDelete
}

func (m InstanceLockedModal) View() string {
	if m.width < 20 || m.height < 10 {
		return "Terminal too small"
	}

	modalWidth := 60
	message := fmt.Sprintf(
		"Another plugenv run holds this data directory (PID %d).\n"+
			"%s\n\n"+
			"Wait for it to finish before starting another run.\n\n"+
			"If that process is gone, press D to force delete\n"+
			"the lock file and continue.",
		m.runningPID, m.dataDir)

	var lines []string
	for _, line := range strings.Split(message, "\n") {
		lines = append(lines, centerTextLine(truncate(line, modalWidth), modalWidth))
	}

	return RenderThreeSectionModal(
		"⚠️  plugenv Already Running  ⚠️",
		lines,
		FormatFooter("Enter", "Exit", "D", "Force delete lock file"),
		ModalTypeError,
		modalWidth,
		m.width,
		m.height,
	)
}

// PromptInstanceLocked shows the modal and reports whether the user asked to
// delete the stale lock.
func PromptInstanceLocked(pid int, dataDir string) (bool, error) {
	final, err := tea.NewProgram(NewInstanceLockedModal(pid, dataDir), tea.WithAltScreen()).Run()
	if err != nil {
		return false, err
	}
	return final.(InstanceLockedModal).ForceDelete(), nil
}
