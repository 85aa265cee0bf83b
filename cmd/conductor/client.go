package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiToken  string
)

// --- HTTP client ---

// HTTPError is a non-2xx answer from the server
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.Status, e.Body)
}

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func newClient() *Client {
	return &Client{
		BaseURL: serverURL,
		Token:   apiToken,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(method, path string, params url.Values, data interface{}) ([]byte, error) {
	u := c.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(respBody))}
	}
	return respBody, nil
}

func (c *Client) get(path string, params url.Values) ([]byte, error) {
	return c.do(http.MethodGet, path, params, nil)
}

func (c *Client) post(path string, data interface{}) ([]byte, error) {
	return c.do(http.MethodPost, path, nil, data)
}

func (c *Client) patch(path string, data interface{}) ([]byte, error) {
	return c.do(http.MethodPatch, path, nil, data)
}

// outputJSON pretty-prints JSON data, or writes it raw if it is not JSON
func outputJSON(w io.Writer, data []byte) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Fprintln(w, string(data))
		return
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func addClientFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&serverURL, "server", "s", getDefaultServer(), "Conductor server URL")
	cmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("CONDUCTOR_TOKEN"), "Bearer token (default $CONDUCTOR_TOKEN)")
}

func getDefaultServer() string {
	if server := os.Getenv("CONDUCTOR_SERVER"); server != "" {
		return server
	}
	return "http://localhost:8000"
}

// --- Delegation commands ---

func newEnqueueCommand() *cobra.Command {
	var (
		conversationID string
		screenplayID   string
		priority       int
		source         string
		parentTaskID   string
		instanceID     string
		idempotencyKey string
		fallback       bool
	)
	cmd := &cobra.Command{
		Use:   "enqueue AGENT_ID INPUT",
		Short: "Queue a task for an agent",
		Example: `  conductor enqueue Support_Agent "Investigate alert X"
  conductor enqueue DevOps_Agent "restart node-3" --conversation=c-123 --source=agent_chain --parent=65f0...`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			body := map[string]interface{}{
				"target_agent_id": args[0],
				"input":           args[1],
			}
			setIf(body, "conversation_id", conversationID)
			setIf(body, "screenplay_id", screenplayID)
			setIf(body, "source", source)
			setIf(body, "parent_task_id", parentTaskID)
			setIf(body, "instance_id", instanceID)
			setIf(body, "idempotency_key", idempotencyKey)
			if cmd.Flags().Changed("priority") {
				body["priority"] = priority
			}

			data, err := client.post("/agents/enqueue", body)
			var httpErr *HTTPError
			if fallback && errors.As(err, &httpErr) && httpErr.Status == http.StatusServiceUnavailable {
				fmt.Fprintln(cmd.ErrOrStderr(), "broker unavailable, dispatching synchronously")
				data, err = client.post("/agents/dispatch", map[string]interface{}{
					"target_agent_id": args[0],
					"input":           args[1],
					"conversation_id": conversationID,
					"screenplay_id":   screenplayID,
				})
			}
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation ID")
	cmd.Flags().StringVar(&screenplayID, "screenplay", "", "Screenplay ID")
	cmd.Flags().IntVarP(&priority, "priority", "p", 5, "Priority (0=lowest, 9=highest)")
	cmd.Flags().StringVar(&source, "source", "", "Source: dispatch_api, agent_chain, pulse")
	cmd.Flags().StringVar(&parentTaskID, "parent", "", "Parent task ID")
	cmd.Flags().StringVar(&instanceID, "instance", "", "Instance ID")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Idempotency key for safe retries")
	cmd.Flags().BoolVar(&fallback, "fallback", true, "Use /agents/dispatch when the broker is unavailable")
	return cmd
}

func newQueueStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue counters and broker state",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/agents/queue/stats", nil)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}

// --- Conversation commands ---

func newSettingsCommand() *cobra.Command {
	var (
		maxDepth     int
		autoDelegate bool
	)
	cmd := &cobra.Command{
		Use:   "settings CONVERSATION_ID",
		Short: "Show or change a conversation's delegation settings",
		Example: `  conductor settings c-123
  conductor settings c-123 --max-chain-depth=3 --auto-delegate=false`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			path := "/conversations/" + url.PathEscape(args[0]) + "/settings"

			update := map[string]interface{}{}
			if cmd.Flags().Changed("max-chain-depth") {
				update["max_chain_depth"] = maxDepth
			}
			if cmd.Flags().Changed("auto-delegate") {
				update["auto_delegate"] = autoDelegate
			}

			var (
				data []byte
				err  error
			)
			if len(update) > 0 {
				data, err = client.patch(path, update)
			} else {
				data, err = client.get(path, nil)
			}
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxDepth, "max-chain-depth", 0, "Chain depth limit (0 resets to the global default)")
	cmd.Flags().BoolVar(&autoDelegate, "auto-delegate", true, "Allow agents to chain autonomously")
	return cmd
}

// --- Pulse commands ---

func newPulseCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "pulse",
		Short: "Show recent dead-lettered messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if limit > 0 {
				params.Set("limit", fmt.Sprint(limit))
			}
			data, err := newClient().get("/pulse/events", params)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Number of events (default 50)")
	return cmd
}

func setIf(m map[string]interface{}, key, value string) {
	if value != "" {
		m[key] = value
	}
}
