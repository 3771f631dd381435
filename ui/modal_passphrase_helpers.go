package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/lipgloss"
)

// NewPassphraseInput creates a masked textinput for passphrase entry.
func NewPassphraseInput(placeholder string) textinput.Model {
	input := textinput.New()
	input.Placeholder = placeholder
	input.Width = 50
	input.CharLimit = 200
	input.EchoMode = textinput.EchoPassword
	input.EchoCharacter = '•'
	return input
}

func RenderPassphraseModal(
	title string,
	keyPath string,
	passphraseInput textinput.Model,
	errorMsg string,
	width int,
	height int,
) string {
	// nothing sensible fits, or no WindowSizeMsg yet
	if width < 20 || height < 10 {
		return "Terminal too small"
	}

	modalWidth := 70
	if width < modalWidth+10 {
		modalWidth = max(width-10, 10)
	}

	blank := strings.Repeat(" ", modalWidth)
	messageLines := []string{
		blank,
		centerTextLine("The credential store is keyed by an encrypted SSH key.", modalWidth),
		centerTextLine(truncate(fmt.Sprintf("Key: %s", keyPath), modalWidth), modalWidth),
		centerTextLine("Please enter the passphrase:", modalWidth),
		blank,
		centerTextLine(passphraseInput.View(), modalWidth),
		blank,
	}

	if errorMsg != "" {
		styledErr := lipgloss.NewStyle().
			Foreground(dangerColor).
			Bold(true).
			Render("⚠ " + errorMsg)
		messageLines = append(messageLines, centerTextLine(styledErr, modalWidth), blank)
	}

	return RenderThreeSectionModal(
		title,
		messageLines,
		FormatFooter("Enter", "Continue", "Esc", "Cancel"),
		ModalTypeInfo,
		modalWidth,
		width,
		height,
	)
}

func ValidatePassphraseNotEmpty(passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("passphrase cannot be empty")
	}
	return nil
}

func GetEmptyPassphraseError() string {
	return "Passphrase cannot be empty"
}

func GetIncorrectPassphraseError() string {
	return "Incorrect passphrase. Please try again."
}
