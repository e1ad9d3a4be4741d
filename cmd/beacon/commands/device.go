package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/adrg/xdg"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/TheusHen/beacon/beacon/config"
	"github.com/TheusHen/beacon/beacon/day"
	"github.com/TheusHen/beacon/beacon/publish"
)

// NewInitCmd writes the default configuration.
func NewInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Long: `Write the default configuration as YAML to --config, or to the
XDG config home when no path is given. An existing file is kept unless
--force is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				var err error
				if path, err = xdg.ConfigFile(filepath.Join(config.AppName, config.FileName)); err != nil {
					return fmt.Errorf("locating config dir: %w", err)
				}
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			b, err := config.Default().Marshal()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return err
			}
			if err := os.WriteFile(path, b, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// NewStatusCmd prints the engine state.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show record counts, sync state and exposure days",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(false)
			if err != nil {
				return err
			}
			defer s.Close()
			st, err := s.tracer.Status(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "handshakes\t%s\n", humanize.Comma(int64(st.Handshakes)))
			fmt.Fprintf(w, "contacts\t%s\n", humanize.Comma(int64(st.Contacts)))
			fmt.Fprintf(w, "known cases\t%s\n", humanize.Comma(int64(st.KnownCases)))
			fmt.Fprintf(w, "infected\t%t\n", st.Infected)
			fmt.Fprintf(w, "last sync\t%s\n", when(st.LastSync))
			if st.SyncError != "" {
				fmt.Fprintf(w, "sync error\t%s\n", st.SyncError)
			}
			fmt.Fprintf(w, "pending uploads\t%d\n", st.PendingUploads)
			if st.Calibration {
				fmt.Fprintf(w, "calibration\ton\n")
			}
			fmt.Fprintf(w, "exposure days\t%d\n", len(st.ExposureDays))
			for _, d := range st.ExposureDays {
				fmt.Fprintf(w, "  %s\treported %s\n", d.ExposedDate, humanize.Time(d.ReportedAt))
			}
			return w.Flush()
		},
	}
}

func when(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

// NewIDCmd prints the ephemeral id to broadcast now.
func NewIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print the current ephemeral id",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(false)
			if err != nil {
				return err
			}
			defer s.Close()
			id, err := s.tracer.CurrentID()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

// NewAggregateCmd folds closed epochs into contacts.
func NewAggregateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate",
		Short: "Aggregate recorded handshakes into contacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(false)
			if err != nil {
				return err
			}
			defer s.Close()
			res, err := s.tracer.Aggregate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d handshakes, %d contacts (%d new)\n", res.Handshakes, res.Contacts, res.Inserted)
			return nil
		},
	}
}

// NewSyncCmd downloads the published batches.
func NewSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Download published case keys and match them",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(false)
			if err != nil {
				return err
			}
			defer s.Close()
			res, err := s.tracer.Sync(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d batches, %d new cases\n", res.Batches, res.NewCases)
			for _, d := range res.ExposureDays {
				fmt.Fprintf(cmd.OutOrStdout(), "new exposure day %s\n", d)
			}
			return nil
		},
	}
}

// NewReportCmd discloses the key of the onset day.
func NewReportCmd() *cobra.Command {
	var onset, code, authorization string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report a positive test",
		Long: `Disclose the secret key of the onset day so that contacts can
find out. The key chain restarts afterwards: ids broadcast from now on are
unlinkable to the disclosed key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(false)
			if err != nil {
				return err
			}
			defer s.Close()
			d := day.Of(time.Now())
			if onset != "" {
				if d, err = day.Parse(onset); err != nil {
					return err
				}
			}
			if err := s.tracer.Report(cmd.Context(), d, publish.Auth{Code: code, Authorization: authorization}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reported key for %s\n", d)
			return nil
		},
	}
	cmd.Flags().StringVar(&onset, "onset", "", "onset day as YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&code, "code", "", "authorization code issued with the test result")
	cmd.Flags().StringVar(&authorization, "authorization", "", "Authorization header for the report")
	return cmd
}

// NewDrainCmd uploads due delayed keys.
func NewDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Upload delayed keys whose day has ended",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(false)
			if err != nil {
				return err
			}
			defer s.Close()
			n, err := s.tracer.Drain(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d delayed keys\n", n)
			return nil
		},
	}
}

// NewDecoyCmd sends one decoy report.
func NewDecoyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decoy",
		Short: "Send a decoy report now",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(false)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.tracer.SendDecoy(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "decoy sent")
			return nil
		},
	}
}

// NewExposureCmd lists or hides exposure days.
func NewExposureCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "exposure",
		Short: "List exposure days",
		Long: `List the days on which enough contact with a confirmed case was
detected. --reset hides the current days for good; the same days are not
reported again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(false)
			if err != nil {
				return err
			}
			defer s.Close()
			if reset {
				return s.tracer.ResetExposureDays()
			}
			days, err := s.tracer.ExposureDays()
			if err != nil {
				return err
			}
			for _, d := range days {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", d.ExposedDate, d.ReportedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "hide every current exposure day")
	return cmd
}

// NewClearCmd wipes the device.
func NewClearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every record and restart the key chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to clear without --yes")
			}
			s, err := openSession(false)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.tracer.Clear(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the wipe")
	return cmd
}

// NewVersionCmd prints build information.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "beacon %s (%s)\n", versionInfo.Version, versionInfo.Commit)
		},
	}
}
