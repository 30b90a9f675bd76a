package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Prompter reads secrets from the operator. Input is hidden when in is a
// terminal; piped input is read line by line.
type Prompter struct {
	in  *os.File
	out io.Writer

	mu     sync.Mutex
	reader *bufio.Reader
}

// New creates a Prompter. Nil arguments default to stdin and stderr.
func New(in *os.File, out io.Writer) *Prompter {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stderr
	}
	return &Prompter{in: in, out: out}
}

// Secret prints label and returns the entered value without its line ending
func (p *Prompter) Secret(label string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "%s: ", label)

	fd := int(p.in.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(p.out) // newline after hidden input
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", label, err)
		}
		return string(b), nil
	}

	if p.reader == nil {
		p.reader = bufio.NewReader(p.in)
	}
	line, err := p.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("failed to read %s: %w", label, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
