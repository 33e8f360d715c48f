package cli

import (
	"bufio"
	"context"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

// MainLoop runs interactive prompt on terminal, otherwise executes stdin line by line.
// Returns when input ends or ctx is done.
func MainLoop(ctx context.Context, tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest) {
	if isatty.IsTerminal(os.Stdin.Fd()) {
		done := make(chan struct{})
		go func() {
			defer close(done)
			prompt.New(exec, complete,
				prompt.OptionTitle(tag),
				prompt.OptionPrefix(tag+"> "),
			).Run()
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		exec(line)
	}
}
