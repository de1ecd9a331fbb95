// Command afehubctl is the operator CLI for an afehub server: inspect
// devices, push configuration, send commands and fetch recent readings
// through the REST API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/afehub-io/afehub/internal/hub/core/model"
)

var (
	serverAddr  string
	httpTimeout time.Duration
)

func main() {
	root := &cobra.Command{
		Use:          "afehubctl",
		Short:        "Control an afehub device hub",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&serverAddr, "server", "s", "http://127.0.0.1:8080", "Address of the afehub API server.")
	root.PersistentFlags().DurationVar(&httpTimeout, "timeout", 30*time.Second, "HTTP request timeout.")

	root.AddCommand(newListCommand(), newGetCommand(), newRegisterCommand(),
		newCommandCommand(), newReadingsCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func apiClient() *http.Client {
	return &http.Client{Timeout: httpTimeout}
}

// call performs one API request and decodes the JSON response into out.
// Non-2xx responses are surfaced with the server's error message.
func call(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverAddr+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := apiClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			var devices []model.Device
			if err := call(http.MethodGet, "/api/v1/devices", nil, &devices); err != nil {
				return err
			}

			table := uitable.New()
			table.AddRow("ID", "NAME", "STATE", "LAST HEARTBEAT")
			for _, dev := range devices {
				last := "never"
				if dev.LastHeartbeat != nil {
					last = dev.LastHeartbeat.Local().Format(time.RFC3339)
				}
				table.AddRow(dev.ID, dev.Name, dev.State, last)
			}
			fmt.Println(table)
			return nil
		},
	}
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <device-id>",
		Short: "Show one device as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dev model.Device
			if err := call(http.MethodGet, "/api/v1/devices/"+args[0], nil, &dev); err != nil {
				return err
			}
			return printJSON(dev)
		},
	}
}

func newRegisterCommand() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "register <device-id>",
		Short: "Register a new device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"id": args[0], "name": name}
			var dev model.Device
			if err := call(http.MethodPost, "/api/v1/devices", body, &dev); err != nil {
				return err
			}
			fmt.Printf("registered %s\n", dev.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Human-readable device name.")
	return cmd
}

func newCommandCommand() *cobra.Command {
	var (
		params         string
		commandTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "command <device-id> <command>",
		Short: "Send a command and wait for the result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"command":   args[1],
				"timeoutMs": int(commandTimeout.Milliseconds()),
			}
			if params != "" {
				if !json.Valid([]byte(params)) {
					return fmt.Errorf("params is not valid JSON: %s", params)
				}
				body["params"] = json.RawMessage(params)
			}

			var out struct {
				CorrelationID string       `json:"correlationId"`
				Result        model.Result `json:"result"`
			}
			err := call(http.MethodPost, "/api/v1/devices/"+args[0]+"/commands", body, &out)
			if err != nil {
				return err
			}
			fmt.Printf("correlation %s: %s\n", out.CorrelationID, out.Result.Outcome)
			return printJSON(out.Result)
		},
	}
	cmd.Flags().StringVarP(&params, "params", "p", "", "Command parameters as a JSON object.")
	cmd.Flags().DurationVar(&commandTimeout, "command-timeout", 0, "Command timeout (0 uses the server default).")
	return cmd
}

func newReadingsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "readings <device-id>",
		Short: "Show recent readings for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/v1/devices/%s/readings?limit=%d", args[0], limit)
			var readings []model.Reading
			if err := call(http.MethodGet, path, nil, &readings); err != nil {
				return err
			}

			table := uitable.New()
			table.AddRow("TIME", "TYPE", "CH", "VALUE", "UNIT", "FREQ", "PHASE")
			for _, r := range readings {
				table.AddRow(
					r.Timestamp.Local().Format("15:04:05.000"),
					r.MeasurementType,
					r.Channel,
					fmt.Sprintf("%.2f", r.Value),
					r.Unit,
					fmt.Sprintf("%.0f", r.Frequency),
					fmt.Sprintf("%.1f", r.Phase),
				)
			}
			fmt.Println(table)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of readings to fetch.")
	return cmd
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
