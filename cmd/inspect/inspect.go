// Package inspect prints the entries of a recording artifact.
package inspect

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tphakala/lightfield/internal/errors"
	"github.com/tphakala/lightfield/internal/recorder"
)

// Command creates the inspect command.
func Command() *cobra.Command {
	var summary bool
	cmd := &cobra.Command{
		Use:   "inspect <file.lfr>",
		Short: "Print the entries of a recording artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return Inspect(afero.NewOsFs(), args[0], cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().BoolVar(&summary, "summary", false, "Print only the header and totals")
	return cmd
}

// Inspect reads path and writes one line per entry followed by totals. A
// corrupt entry stops the listing and is returned after the totals.
func Inspect(fs afero.Fs, path string, out io.Writer, summary bool) error {
	f, err := fs.Open(path)
	if err != nil {
		return errors.New(err).
			Component("inspect").
			Category(errors.CategoryFileIO).
			FileContext(path).
			Build()
	}
	defer f.Close()

	r, err := recorder.OpenReader(f)
	if err != nil {
		return err
	}
	h := r.Header()
	fmt.Fprintf(out, "stream:  %s\nversion: %d\nstarted: %s\n\n", h.StreamID, h.Version, h.Start.Format(time.RFC3339Nano))

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if !summary {
		fmt.Fprintln(tw, "SEQ\tTIMESTAMP\tOFFSET\tSIZE")
	}

	var (
		count   int
		bytes   int
		first   time.Time
		last    time.Time
		readErr error
	)
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		if count == 0 {
			first = e.Timestamp
		}
		last = e.Timestamp
		if !summary {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", e.Sequence, e.Timestamp.Format(time.RFC3339Nano), e.Timestamp.Sub(h.Start), len(e.Payload))
		}
		count++
		bytes += len(e.Payload)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nentries: %d\npayload: %d bytes\n", count, bytes)
	if count > 1 {
		if span := last.Sub(first); span > 0 {
			fmt.Fprintf(out, "span:    %s (%.2f entries/s)\n", span, float64(count-1)/span.Seconds())
		}
	}
	return readErr
}
