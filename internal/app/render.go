package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	ruleStyle    = lipgloss.NewStyle().Faint(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// Renderer writes user-facing output. Styling is applied only on terminals.
type Renderer struct {
	out    io.Writer
	styled bool
}

// NewRenderer returns a Renderer for out, styling output when out is a terminal.
func NewRenderer(out io.Writer) *Renderer {
	styled := false
	if f, ok := out.(*os.File); ok {
		styled = isTerminal(f)
	}
	return &Renderer{out: out, styled: styled}
}

// Block renders a preview or instruction block.
func (r *Renderer) Block(text string) {
	if !r.styled {
		r.write(text)
		return
	}

	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	titled := false
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "────"):
			lines[i] = ruleStyle.Render(line)
		case strings.HasPrefix(line, "WARNING"):
			lines[i] = warningStyle.Render(line)
		case !titled && strings.TrimSpace(line) != "":
			lines[i] = titleStyle.Render(line)
			titled = true
		}
	}
	r.write(strings.Join(lines, "\n") + "\n")
}

// Success renders a completion message.
func (r *Renderer) Success(text string) {
	r.styledWrite(successStyle, text)
}

// Warn renders a warning.
func (r *Renderer) Warn(text string) {
	r.styledWrite(warningStyle, text)
}

// Error renders a failure.
func (r *Renderer) Error(text string) {
	r.styledWrite(errorStyle, text)
}

// Info renders plain text.
func (r *Renderer) Info(text string) {
	r.write(text)
}

func (r *Renderer) styledWrite(style lipgloss.Style, text string) {
	if r.styled {
		text = style.Render(strings.TrimRight(text, "\n")) + "\n"
	}
	r.write(text)
}

func (r *Renderer) write(text string) {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	_, _ = io.WriteString(r.out, text)
}

// Prompter asks the user to confirm a destructive step.
type Prompter interface {
	Confirm(title, description string) (bool, error)
}

type huhPrompter struct{}

func (huhPrompter) Confirm(title, description string) (bool, error) {
	var confirmed bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Affirmative("Yes").
				Negative("No").
				Value(&confirmed),
		),
	).WithAccessible(os.Getenv("ACCESSIBLE") != "")

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get confirmation: %w", err)
	}

	return confirmed, nil
}

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func interactive() bool {
	return isTerminal(os.Stdin) && isTerminal(os.Stdout)
}
