package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/AP3X-Dev/AG3NT/approval"
	"github.com/AP3X-Dev/AG3NT/secrets"
)

const maxShownArgs = 400

// promptDecider asks the operator about each pending call, one at a time.
type promptDecider struct {
	out      io.Writer
	scrubber secrets.Scrubber
	lines    <-chan string

	mu sync.Mutex
}

func newPromptDecider(in io.Reader, out io.Writer, scrubber secrets.Scrubber) *promptDecider {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return &promptDecider{out: out, scrubber: secrets.OrNop(scrubber), lines: lines}
}

func (d *promptDecider) Decide(ctx context.Context, p approval.Pending) (approval.Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	args := d.scrubber.Scrub(string(p.Request.Arguments))
	if len(args) > maxShownArgs {
		args = args[:maxShownArgs] + "..."
	}
	id := p.ID
	if id == "" {
		id = p.Request.CallID
	}
	fmt.Fprintf(d.out, "\napproval needed: %s (risk %s, call %s)\n  args: %s\n",
		p.Request.ToolName, p.Risk, id, args)

	for {
		fmt.Fprint(d.out, "  [y]es / [n]o [reason] / [e]dit <json>: ")
		select {
		case <-ctx.Done():
			return approval.Decision{}, ctx.Err()
		case line, ok := <-d.lines:
			if !ok {
				return approval.Reject("no operator input"), nil
			}
			decision, err := parseDecision(line)
			if err != nil {
				fmt.Fprintf(d.out, "  %v\n", err)
				continue
			}
			return decision, nil
		}
	}
}

func parseDecision(line string) (approval.Decision, error) {
	line = strings.TrimSpace(line)
	word, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(word) {
	case "y", "yes":
		return approval.Approve(), nil
	case "n", "no":
		if rest == "" {
			rest = "rejected by operator"
		}
		return approval.Reject(rest), nil
	case "e", "edit":
		if !json.Valid([]byte(rest)) {
			return approval.Decision{}, errors.New("edited arguments must be valid JSON")
		}
		return approval.ApproveWithEdit(json.RawMessage(rest)), nil
	default:
		return approval.Decision{}, fmt.Errorf("unrecognized answer %q", line)
	}
}
