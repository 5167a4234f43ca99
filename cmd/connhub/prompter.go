package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/websoft9/connhub/internal/connector"
)

// terminalPrompter reads credentials from the controlling terminal. It is
// used by one command at a time.
type terminalPrompter struct {
	in  *os.File
	out io.Writer
}

func newTerminalPrompter(in *os.File, out io.Writer) connector.Prompter {
	return &terminalPrompter{in: in, out: out}
}

func (p *terminalPrompter) PromptForPassword(ctx context.Context, req connector.PromptRequest) (connector.PromptResult, error) {
	fd := int(p.in.Fd())
	if !term.IsTerminal(fd) {
		return connector.PromptResult{}, fmt.Errorf("%w: stdin is not a terminal", connector.ErrNoCredentials)
	}
	if err := ctx.Err(); err != nil {
		return connector.PromptResult{}, connector.ErrPromptCancelled
	}

	if req.Reason != "" {
		fmt.Fprintln(p.out, req.Reason)
	}
	reader := bufio.NewReader(p.in)
	userID := req.UserID
	if userID == "" {
		fmt.Fprintf(p.out, "User for %s: ", req.Host.Name)
		line, err := reader.ReadString('\n')
		if err != nil {
			return connector.PromptResult{}, connector.ErrPromptCancelled
		}
		userID = strings.TrimSpace(line)
	}

	fmt.Fprintf(p.out, "Password for %s@%s: ", userID, req.Host.Name)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return connector.PromptResult{}, connector.ErrPromptCancelled
	}

	fmt.Fprint(p.out, "Save password? [y/N]: ")
	answer, _ := reader.ReadString('\n')
	save := strings.EqualFold(strings.TrimSpace(answer), "y")

	return connector.PromptResult{UserID: userID, Password: string(pw), Save: save}, nil
}
