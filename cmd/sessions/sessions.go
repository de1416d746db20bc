// Package sessions lists catalogued recording sessions.
package sessions

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tphakala/lightfield/internal/catalog"
	"github.com/tphakala/lightfield/internal/conf"
	"github.com/tphakala/lightfield/internal/errors"
)

// Lister is the read side of the session catalog.
type Lister interface {
	ListSessions(ctx context.Context, limit int) ([]catalog.Session, error)
	GetSession(ctx context.Context, id int) (*catalog.Session, error)
}

// Command creates the sessions command.
func Command(settings *conf.Context) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions [id]",
		Short: "List recording sessions from the catalog or session manifests",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var lister Lister
			if path := settings.Settings.Recording.Catalog; path != "" {
				c, err := catalog.Open(path)
				if err != nil {
					return err
				}
				defer c.Close()
				lister = c
			} else {
				lister = ManifestLister{Fs: afero.NewOsFs(), Root: settings.Settings.Recording.Path}
			}

			if len(args) == 1 {
				id, err := strconv.Atoi(args[0])
				if err != nil {
					return errors.Newf("invalid session id %q", args[0]).
						Component("sessions").
						Category(errors.CategoryValidation).
						Build()
				}
				return Show(cmd.Context(), lister, id, cmd.OutOrStdout())
			}
			return List(cmd.Context(), lister, limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of sessions to list")
	return cmd
}

// List prints the newest sessions, one per line.
func List(ctx context.Context, l Lister, limit int, out io.Writer) error {
	list, err := l.ListSessions(ctx, limit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "no sessions")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tSTREAMS\tFRAMES\tDROPPED")
	for i := range list {
		s := &list[i]
		var frames, dropped uint64
		for _, st := range s.Streams {
			frames += st.Written
			dropped += st.Dropped
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\n",
			s.SessionID, s.Started.Format(time.RFC3339), duration(s.Started, s.Stopped), len(s.Streams), frames, dropped)
	}
	return tw.Flush()
}

// Show prints one session with its per-stream totals.
func Show(ctx context.Context, l Lister, id int, out io.Writer) error {
	s, err := l.GetSession(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "session:   %d\nuuid:      %s\ndirectory: %s\nstarted:   %s\nduration:  %s\n\n",
		s.SessionID, s.UUID, s.Directory, s.Started.Format(time.RFC3339), duration(s.Started, s.Stopped))

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STREAM\tFILE\tWRITTEN\tDROPPED\tFAILED\tMASKS")
	for _, st := range s.Streams {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n", st.StreamID, st.File, st.Written, st.Dropped, st.Failed, st.Masks)
	}
	return tw.Flush()
}

func duration(start, stop time.Time) string {
	if stop.IsZero() || stop.Before(start) {
		return "-"
	}
	return stop.Sub(start).Round(time.Second).String()
}
