// Package questions gathers yes/no and free-text answers from the operator,
// honouring global assume-yes and assume-no flags.
package questions

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// MaxAttempts bounds how many invalid answers AskInput accepts.
const MaxAttempts = 5

// ErrTooManyAttempts is returned when AskInput received MaxAttempts invalid
// answers in a row.
var ErrTooManyAttempts = errors.New("questions: too many invalid answers")

var (
	questionColor = color.New(color.FgYellow)
	defaultColor  = color.New(color.FgCyan)
	errorColor    = color.New(color.FgRed)
)

// Gate asks questions on Out and reads answers from In.
type Gate struct {
	In  io.Reader
	Out io.Writer

	// Interactive is false when no operator can answer; questions then
	// resolve to their defaults.
	Interactive bool

	// Yes and No answer every confirmation without prompting.
	Yes bool
	No  bool

	reader *bufio.Reader
}

// New returns a Gate reading from in and writing prompts to out.
func New(in io.Reader, out io.Writer, interactive bool) *Gate {
	return &Gate{In: in, Out: out, Interactive: interactive}
}

// DetectInteractive reports whether f is attached to a terminal.
func DetectInteractive(f *os.File) bool {
	if f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// IsInteractive reports whether questions reach an operator.
func (g *Gate) IsInteractive() bool {
	return g.Interactive
}

// Confirm asks a yes/no question. With Yes (and not No) it answers true
// without prompting and echoes the implied answer; No is symmetric. Otherwise
// it prompts when interactive, using def for an empty answer, and returns def
// when not interactive or when input ends.
func (g *Gate) Confirm(text string, def bool) bool {
	suffix := "[y/N]"
	if def {
		suffix = "[Y/n]"
	}
	prompt := text + " " + questionColor.Sprint(suffix) + " "

	switch {
	case g.Yes && !g.No:
		g.printf("%sy\n", prompt)
		return true
	case g.No && !g.Yes:
		g.printf("%sn\n", prompt)
		return false
	}

	if !g.Interactive {
		return def
	}

	for {
		g.printf("%s", prompt)
		answer, ok := g.readLine()
		if !ok {
			g.printf("\n")
			return def
		}

		switch strings.ToLower(answer) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		g.printf("%s\n", errorColor.Sprint("Please answer yes or no."))
	}
}

// AskInput asks for free text. An empty answer yields def. When choices are
// given the answer must be one of them; a unique prefix is completed to the
// matching choice. Non-interactive sessions get def.
func (g *Gate) AskInput(text, def string, choices []string) (string, error) {
	if !g.Interactive {
		return def, nil
	}

	prompt := text
	if def != "" {
		prompt += " " + defaultColor.Sprintf("[%s]", def)
	}
	prompt += ": "

	if len(choices) > 0 {
		g.printf("Available: %s\n", strings.Join(choices, ", "))
	}

	for attempt := 0; attempt < MaxAttempts; attempt++ {
		g.printf("%s", prompt)
		answer, ok := g.readLine()
		if !ok {
			g.printf("\n")
			return def, nil
		}
		if answer == "" {
			return def, nil
		}
		if len(choices) == 0 {
			return answer, nil
		}

		if match, found := complete(answer, choices); found {
			return match, nil
		}
		g.printf("%s\n", errorColor.Sprintf("Invalid value: %s", answer))
	}

	return "", fmt.Errorf("%w: %s", ErrTooManyAttempts, text)
}

// complete resolves answer to an exact choice or a unique prefix match.
func complete(answer string, choices []string) (string, bool) {
	var matches []string
	for _, choice := range choices {
		if choice == answer {
			return choice, true
		}
		if strings.HasPrefix(choice, answer) {
			matches = append(matches, choice)
		}
	}
	if len(matches) == 1 {
		return matches[0], true
	}
	return "", false
}

func (g *Gate) readLine() (string, bool) {
	if g.In == nil {
		return "", false
	}
	if g.reader == nil {
		g.reader = bufio.NewReader(g.In)
	}

	line, err := g.reader.ReadString('\n')
	if err != nil && line == "" {
		return "", false
	}
	return strings.TrimSpace(line), true
}

func (g *Gate) printf(format string, args ...any) {
	if g.Out == nil {
		return
	}
	_, _ = fmt.Fprintf(g.Out, format, args...)
}
