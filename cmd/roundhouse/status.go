package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long:  "Queries the dashboard API of a running Roundhouse daemon.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8170", "dashboard base URL")
	return cmd
}

func runStatus(cmd *cobra.Command, addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	out := cmd.OutOrStdout()

	resp, err := client.Get(addr + "/api/status")
	if err != nil {
		fmt.Fprintf(out, "Roundhouse: STOPPED (no dashboard at %s)\n", addr)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status: dashboard answered %d", resp.StatusCode)
	}

	var status struct {
		Workers       int    `json:"workers"`
		Conversations int    `json:"conversations"`
		Time          string `json:"time"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("status: decode response: %w", err)
	}

	fmt.Fprintf(out, "Roundhouse: RUNNING\n")
	fmt.Fprintf(out, "  workers:       %d\n", status.Workers)
	fmt.Fprintf(out, "  conversations: %d\n", status.Conversations)
	return nil
}
