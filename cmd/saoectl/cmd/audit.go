package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nikodemus-eth/saoe/audit"
	"github.com/nikodemus-eth/saoe/broker"
)

func auditCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "audit",
		Short: "Query or follow the audit log",
	}
	c.AddCommand(auditTailCmd())
	c.AddCommand(auditCountCmd())
	return c
}

func auditTailCmd() *cobra.Command {
	var dbPath string
	var limit int
	var live bool
	var brokerAddr string
	var agentID string

	c := &cobra.Command{
		Use:   "tail",
		Short: "Print recent audit events, or follow them live via a broker connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			if live {
				return tailLive(cmd.OutOrStdout(), brokerAddr, agentID)
			}
			log, err := audit.Open(dbPath)
			if err != nil {
				return fmt.Errorf("open audit log: %w", err)
			}
			events, err := log.RecentEvents(limit)
			if err != nil {
				return fmt.Errorf("recent events: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range events {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}

	c.Flags().StringVar(&dbPath, "db", "", "Path to the audit SQLite database")
	c.Flags().IntVar(&limit, "limit", 20, "Number of recent events to print")
	c.Flags().BoolVar(&live, "live", false, "Follow events live over a broker connection instead of querying the database")
	c.Flags().StringVar(&brokerAddr, "broker-addr", "", "Broker service address (host:port), required with --live")
	c.Flags().StringVar(&agentID, "agent-id", "", "Agent id whose audit topic to subscribe to, required with --live")
	return c
}

func tailLive(w io.Writer, brokerAddr, agentID string) error {
	if brokerAddr == "" || agentID == "" {
		return fmt.Errorf("--live requires --broker-addr and --agent-id")
	}
	client, err := broker.Dial(brokerAddr, "audit."+agentID)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer client.Close()

	enc := json.NewEncoder(w)
	for {
		msg, err := client.Next()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		if err := enc.Encode(msg.Event); err != nil {
			return err
		}
	}
}

func auditCountCmd() *cobra.Command {
	var dbPath, senderID string
	var windowHours float64

	c := &cobra.Command{
		Use:   "count",
		Short: "Print the validated-event count for a sender within a trailing window",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := audit.Open(dbPath)
			if err != nil {
				return fmt.Errorf("open audit log: %w", err)
			}
			count, err := log.QuerySessionCount(senderID, windowHours)
			if err != nil {
				return fmt.Errorf("query session count: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), count)
			return nil
		},
	}

	c.Flags().StringVar(&dbPath, "db", "", "Path to the audit SQLite database")
	c.Flags().StringVar(&senderID, "sender-id", "", "Sender agent id to count")
	c.Flags().Float64Var(&windowHours, "window-hours", 1.0, "Trailing window size in hours")
	return c
}
