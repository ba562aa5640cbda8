package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/npezzotti/go-erd/internal/client"
	"github.com/npezzotti/go-erd/internal/controller"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [room-id]",
	Short: "Print presence and diagram updates",
	Long:  `Join a room and print who is active and every new diagram version until interrupted.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		return watch(cmd, args[0], interval)
	},
}

func watch(cmd *cobra.Command, roomID string, interval time.Duration) error {
	ctx := cmd.Context()
	s, err := open(ctx, roomID)
	if err != nil {
		return err
	}
	defer s.close()

	out := cmd.OutOrStdout()
	s.bc.WatchActiveUsers(func(users []string) {
		fmt.Fprintf(out, "active users: %s\n", strings.Join(users, ", "))
	})
	s.ctrl.Notifier().OnNotify(func(n controller.Notification) {
		fmt.Fprintf(out, "%s: %s\n", n.Level, n.Message)
	})

	last := -1
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.conn.Done():
			return client.ErrClosed
		case <-ticker.C:
			d := s.ctrl.Snapshot()
			if d.Version == last {
				continue
			}
			last = d.Version
			fmt.Fprintf(out, "version %d: %d entities, %d relationships (by %s)\n",
				d.Version, len(d.Entities), len(d.Relationships), d.LastModifiedBy)
		}
	}
}

func init() {
	watchCmd.Flags().Duration("interval", time.Second, "how often to check for a new version")
}
