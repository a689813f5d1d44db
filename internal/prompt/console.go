// Package prompt provides interactive confirmation for overwrites.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/acsync/internal/report"
	"github.com/schaermu/acsync/internal/safeguard"
)

// Console asks on a terminal whether an overwrite may proceed. Besides
// y and n it accepts "a" (all) to approve every remaining request and "q"
// (quit) to decline them.
type Console struct {
	in  *bufio.Reader
	out io.Writer

	mu     sync.Mutex
	sticky *bool
}

// NewConsole creates a console oracle reading answers from in
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: bufio.NewReader(in), out: out}
}

// Confirm implements safeguard.Oracle. Calls are serialized.
func (c *Console) Confirm(req safeguard.Request) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sticky != nil {
		return *c.sticky
	}

	_, _ = fmt.Fprintf(c.out, "\n%s: %s\n", req.Path, req.Reason)
	_, _ = fmt.Fprintf(c.out, "└── source:      %s  %s\n", stamp(req.SourceModTime), report.FormatBytes(int64(req.SourceSize)))
	_, _ = fmt.Fprintf(c.out, "└── destination: %s  %s\n", stamp(req.DestModTime), report.FormatBytes(int64(req.DestSize)))
	if req.ModTimeDelta != 0 {
		_, _ = fmt.Fprintf(c.out, "└── source is %s\n", describeDelta(req.ModTimeDelta))
	}
	_, _ = fmt.Fprint(c.out, "Overwrite destination? [y/N/a/q]: ")

	line, err := c.in.ReadString('\n')
	if err != nil && line == "" {
		// no more input: decline this and everything after it
		_, _ = fmt.Fprintln(c.out)
		c.stick(false)
		return false
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	case "a", "all":
		c.stick(true)
		return true
	case "q", "quit":
		c.stick(false)
		return false
	}
	return false
}

func (c *Console) stick(answer bool) {
	c.sticky = &answer
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func describeDelta(d time.Duration) string {
	if d > 0 {
		return d.Round(time.Second).String() + " newer"
	}
	return (-d).Round(time.Second).String() + " older"
}
