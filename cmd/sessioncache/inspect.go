package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/sessioncache/plugin/ai/session"
)

func newInspectCmd(v *viper.Viper) *cobra.Command {
	var expired bool

	cmd := &cobra.Command{
		Use:   "inspect [session-key]",
		Short: "List persisted sessions, or print one as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProfile(v)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := openStore(ctx, p)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()

			if len(args) == 1 {
				rec, err := s.Load(ctx, args[0])
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(rec, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}

			if expired {
				keys, err := s.ListExpired(ctx, time.Now())
				if err != nil {
					return err
				}
				for _, key := range keys {
					fmt.Fprintln(out, key)
				}
				return nil
			}

			recs, err := s.LoadAll(ctx)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(out, "No persisted sessions found.")
				return nil
			}
			printSessions(out, recs, time.Now())
			return nil
		},
	}

	cmd.Flags().BoolVar(&expired, "expired", false, "List only the keys of expired sessions")

	return cmd
}

func printSessions(out io.Writer, recs []*session.Record, now time.Time) {
	fmt.Fprintf(out, "%-40s %-6s %-8s %-8s %-12s %s\n", "KEY", "TURNS", "TOKENS", "SUMMARY", "MODEL", "EXPIRES")
	fmt.Fprintln(out, strings.Repeat("-", 96))
	for _, rec := range recs {
		summary := "-"
		if rec.Summary != nil {
			summary = "yes"
		}
		expires := "expired"
		if !rec.Expired(now) {
			expires = rec.Deadline.Sub(now).Round(time.Second).String()
		}
		fmt.Fprintf(out, "%-40s %-6d %-8d %-8s %-12s %s\n",
			rec.Key(), len(rec.Turns), rec.AggregateTokens, summary, rec.Model, expires)
	}
}
