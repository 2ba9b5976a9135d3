package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"nodecollab/internal/models"
)

var hostToken string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List open sessions on the relay",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

var closeCmd = &cobra.Command{
	Use:   "close SESSION_ID",
	Short: "Close a session with its host token",
	Args:  cobra.ExactArgs(1),
	RunE:  runClose,
}

func init() {
	closeCmd.Flags().StringVar(&hostToken, "token", "", "host token printed by collabctl host")
	_ = closeCmd.MarkFlagRequired("token")
	rootCmd.AddCommand(sessionsCmd, closeCmd)
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func apiURL(path string) string {
	return strings.TrimRight(relayURL, "/") + "/api" + path
}

func runSessions(cmd *cobra.Command, args []string) error {
	sessions, err := fetchSessions(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No open sessions")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tHOST\tCREATED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Name, s.HostID, s.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func fetchSessions(ctx context.Context) ([]models.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL("/sessions"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var body struct {
		Sessions []models.Session `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return body.Sessions, nil
}

func runClose(cmd *cobra.Command, args []string) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodDelete, apiURL("/sessions/"+args[0]), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+hostToken)
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return apiError(resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Closed %s\n", args[0])
	return nil
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("relay returned %d", resp.StatusCode)
}
