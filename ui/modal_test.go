package ui

import (
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
)

func typeString(m tea.Model, s string) tea.Model {
	for _, r := range s {
		m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	return m
}

func TestPassphraseModal(t *testing.T) {
	check := func(p string) error {
		if p != "hunter2" {
			return errors.New("bad passphrase")
		}
		return nil
	}

	var m tea.Model = NewPassphraseModal("/home/u/.ssh/id_ed25519", check)
	m, _ = m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})

	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
	assert.Contains(t, m.View(), GetEmptyPassphraseError())

	m = typeString(m, "wrong")
	m, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
	assert.Contains(t, m.View(), GetIncorrectPassphraseError())
	assert.Empty(t, m.(PassphraseModal).GetPassphrase())

	m = typeString(m, "hunter2")
	m, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.NotNil(t, cmd)
	assert.Equal(t, "hunter2", m.(PassphraseModal).GetPassphrase())
	assert.False(t, m.(PassphraseModal).IsCancelled())
}

func TestPassphraseModalCancel(t *testing.T) {
	var m tea.Model = NewPassphraseModal("key", nil)
	m = typeString(m, "abc")
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.True(t, m.(PassphraseModal).IsCancelled())
	assert.Empty(t, m.(PassphraseModal).GetPassphrase())
}

func TestInstanceLockedModal(t *testing.T) {
	var m tea.Model = NewInstanceLockedModal(4242, "/data/plugenv")
	assert.Equal(t, "Terminal too small", m.View())

	m, _ = m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	assert.Contains(t, m.View(), "PID 4242")

	exit, _ := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.False(t, exit.(InstanceLockedModal).ForceDelete())

	force, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'d'}})
	assert.True(t, force.(InstanceLockedModal).ForceDelete())
}
