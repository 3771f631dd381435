package ui

import (
	"errors"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// ErrPassphraseCancelled is returned when the user leaves the prompt with Esc.
var ErrPassphraseCancelled = errors.New("passphrase entry cancelled")

// PassphraseModal prompts for the passphrase of the SSH key protecting the
// credential store. check, when set, is run on Enter; a failing check keeps
// the modal open with an error.
type PassphraseModal struct {
	keyPath   string
	input     textinput.Model
	check     func(string) error
	err       string
	width     int
	height    int
	cancelled bool
}

func NewPassphraseModal(keyPath string, check func(string) error) PassphraseModal {
	input := NewPassphraseInput("Enter passphrase")
	input.Focus()

	return PassphraseModal{
		keyPath: keyPath,
		input:   input,
		check:   check,
	}
}

func (m PassphraseModal) Init() tea.Cmd {
	return textinput.Blink
}

func (m PassphraseModal) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.cancelled = true
			return m, tea.Quit

		case "enter":
			value := m.input.Value()
			if err := ValidatePassphraseNotEmpty(value); err != nil {
				m.err = GetEmptyPassphraseError()
				return m, nil
			}
			if m.check != nil {
				if err := m.check(value); err != nil {
					m.err = GetIncorrectPassphraseError()
					m.input.SetValue("")
					return m, nil
				}
			}
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m PassphraseModal) View() string {
	return RenderPassphraseModal(
		"SSH Key Passphrase Required",
		m.keyPath,
		m.input,
		m.err,
		m.width,
		m.height,
	)
}

// GetPassphrase returns the entered passphrase (empty if cancelled)
func (m PassphraseModal) GetPassphrase() string {
	if m.cancelled {
		return ""
	}
	return m.input.Value()
}

func (m PassphraseModal) IsCancelled() bool {
	return m.cancelled
}

// PromptPassphrase runs the modal until a passphrase passes check or the user
// cancels.
func PromptPassphrase(keyPath string, check func(string) error) (string, error) {
	final, err := tea.NewProgram(NewPassphraseModal(keyPath, check), tea.WithAltScreen()).Run()
	if err != nil {
		return "", err
	}
	m := final.(PassphraseModal)
	if m.IsCancelled() {
		return "", ErrPassphraseCancelled
	}
	return m.GetPassphrase(), nil
}
