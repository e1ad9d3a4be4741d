package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/TheusHen/beacon/beacon/export"
)

func parseLevel(s string) (export.CompressionLevel, error) {
	switch strings.ToLower(s) {
	case "fast":
		return export.CompressionFast, nil
	case "", "default":
		return export.CompressionDefault, nil
	case "best":
		return export.CompressionBest, nil
	}
	return 0, fmt.Errorf("unknown compression level %q", s)
}

// NewExportCmd writes or inspects a record export.
func NewExportCmd() *cobra.Command {
	var opts export.Options
	var level string
	cmd := &cobra.Command{
		Use:   "export <dir>",
		Short: "Export local handshakes and contacts",
		Long: `Write the local handshakes and contacts to <dir> as LZ4-compressed,
Reed-Solomon coded shards plus a manifest. Up to --parity-shards shards may
be lost or corrupted and the export still reads back.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := parseLevel(level)
			if err != nil {
				return err
			}
			opts.Level = l
			s, err := openSession(false)
			if err != nil {
				return err
			}
			defer s.Close()
			m, err := s.tracer.Export(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d handshakes and %d contacts to %s (%s in %d+%d shards)\n",
				m.Handshakes, m.Contacts, args[0], humanize.Bytes(uint64(m.PayloadSize)), m.DataShards, m.ParityShards)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.DataShards, "data-shards", 8, "number of data shards")
	cmd.Flags().IntVar(&opts.ParityShards, "parity-shards", 4, "number of parity shards")
	cmd.Flags().StringVar(&level, "level", "default", "compression level: fast, default or best")
	cmd.AddCommand(newExportInspectCmd())
	return cmd
}

func newExportInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <dir>",
		Short: "Read an export back and summarise it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, m, err := export.Read(args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "install id\t%s\n", snap.InstallID)
			fmt.Fprintf(w, "created\t%s\n", humanize.Time(snap.CreatedAt))
			fmt.Fprintf(w, "handshakes\t%s\n", humanize.Comma(int64(len(snap.Handshakes))))
			fmt.Fprintf(w, "contacts\t%s\n", humanize.Comma(int64(len(snap.Contacts))))
			fmt.Fprintf(w, "stream\t%s\n", humanize.Bytes(uint64(m.StreamSize)))
			fmt.Fprintf(w, "compressed\t%s\n", humanize.Bytes(uint64(m.PayloadSize)))
			return w.Flush()
		},
	}
}
