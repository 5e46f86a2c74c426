package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/larsks/hvpatch/internal/patch"
)

// newApprover returns the confirmation step used before each patch. With
// --yes there is none. Without it, a non-interactive stdin declines.
func newApprover(yes bool, stdin *os.File, out io.Writer, logger *log.Logger) patch.Approver {
	if yes {
		return nil
	}
	if !term.IsTerminal(int(stdin.Fd())) {
		return func(path string, _ patch.Inspection) (patch.Decision, error) {
			logger.Printf("not patching %s: stdin is not a terminal (use --yes)", path)
			return patch.DecisionAbort, nil
		}
	}
	p := &prompter{in: bufio.NewReader(stdin), out: out}
	return p.approve
}

type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p *prompter) approve(path string, in patch.Inspection) (patch.Decision, error) {
	fmt.Fprintf(p.out, "%s: %s\n", path, in.Detail)
	for {
		fmt.Fprintf(p.out, "apply patch to %s? [y/n/skip] ", path)
		line, err := p.in.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return patch.DecisionApply, nil
		case "n", "no":
			return patch.DecisionAbort, nil
		case "s", "skip":
			return patch.DecisionSkip, nil
		}
		if err != nil {
			fmt.Fprintln(p.out)
			if errors.Is(err, io.EOF) {
				return patch.DecisionAbort, nil
			}
			return patch.DecisionAbort, err
		}
		fmt.Fprintln(p.out, "please answer y, n or skip")
	}
}
