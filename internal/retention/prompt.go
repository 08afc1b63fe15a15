package retention

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// Prompt asks on out and reads one answer line from in. Only "t" or "tak"
// approve; anything else, including EOF, declines.
type Prompt struct {
	In  io.Reader
	Out io.Writer
}

func (p Prompt) Confirm(ctx context.Context, m Manifest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	for _, item := range m.Items {
		fmt.Fprintf(p.Out, "  %-10s %s (%s, %d files)\n",
			item.Kind, item.Name, item.Date.Format("2006-01-02"), item.FileCount)
	}
	fmt.Fprintf(p.Out, "Delete %d folders and %d files older than %d weeks? [t/N]: ",
		m.FolderCount, m.FileCount, m.KeepWeeks)

	line, err := bufio.NewReader(p.In).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "t", "tak":
		return true, nil
	default:
		return false, nil
	}
}
