// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command rundispatchctl is an operator CLI for the Control API: create,
// inspect and control runs without a UI.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/rundispatch/internal/apiclient"
)

var (
	serverAddr string
	bearer     string
)

func main() {
	root := &cobra.Command{
		Use:           "rundispatchctl",
		Short:         "Control client for the run dispatch core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080", "Control API base URL")
	root.PersistentFlags().StringVar(&bearer, "token", os.Getenv("RUNDISPATCH_TOKEN"), "Bearer token")

	root.AddCommand(newRunsCmd())
	root.AddCommand(newHitlCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func client() *apiclient.Client {
	return apiclient.New(serverAddr, bearer)
}

func printJSON(data json.RawMessage) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(pretty.String())
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "runs", Short: "Manage runs"}

	var botID, versionID, inputsJSON string
	var priority int
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new run",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"botId": botID, "priority": priority}
			if versionID != "" {
				req["versionId"] = versionID
			}
			if inputsJSON != "" {
				var inputs map[string]any
				if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
					return fmt.Errorf("parsing --inputs: %w", err)
				}
				req["inputs"] = inputs
			}
			out, err := client().CreateRun(context.Background(), req)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	createCmd.Flags().StringVar(&botID, "bot", "", "Bot ID (required)")
	createCmd.Flags().StringVar(&versionID, "version", "", "Bot version ID")
	createCmd.Flags().StringVar(&inputsJSON, "inputs", "", "Inputs as a JSON object")
	createCmd.Flags().IntVar(&priority, "priority", 3, "Priority (1 highest .. 5 lowest)")
	createCmd.MarkFlagRequired("bot")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := client().ListRuns(context.Background(), "")
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <runID>",
		Short: "Get run detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := client().GetRun(context.Background(), args[0])
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	var cascade bool
	var reason string
	cancelCmd := &cobra.Command{
		Use:   "cancel <runID>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := client().CancelRun(context.Background(), args[0], map[string]any{
				"reason": reason, "cascadeChildren": cascade,
			})
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cancelCmd.Flags().BoolVar(&cascade, "cascade-children", false, "Also cancel descendant runs")
	cancelCmd.Flags().StringVar(&reason, "reason", "", "Cancellation reason")

	pauseCmd := &cobra.Command{
		Use:   "pause <runID>",
		Short: "Pause a running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := client().PauseRun(context.Background(), args[0])
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	resumeCmd := &cobra.Command{
		Use:   "resume <runID>",
		Short: "Resume a paused run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := client().ResumeRun(context.Background(), args[0])
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	var retryInputsJSON string
	retryCmd := &cobra.Command{
		Use:   "retry <runID>",
		Short: "Manually retry a terminal run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{}
			if retryInputsJSON != "" {
				var inputs map[string]any
				if err := json.Unmarshal([]byte(retryInputsJSON), &inputs); err != nil {
					return fmt.Errorf("parsing --inputs: %w", err)
				}
				req["inputs"] = inputs
			}
			out, err := client().RetryRun(context.Background(), args[0], req)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	retryCmd.Flags().StringVar(&retryInputsJSON, "inputs", "", "Overridden inputs as a JSON object")

	eventsCmd := &cobra.Command{
		Use:   "events <runID>",
		Short: "Show a run's event timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := client().GetEvents(context.Background(), args[0])
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	logsCmd := &cobra.Command{
		Use:   "logs <runID>",
		Short: "Show a run's logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := client().GetLogs(context.Background(), args[0])
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd, getCmd, cancelCmd, pauseCmd, resumeCmd, retryCmd, eventsCmd, logsCmd)
	return cmd
}

func newHitlCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "hitl", Short: "Manage human-in-the-loop checkpoints"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pending HITL requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := client().ListHitlRequests(context.Background(), "?status=PENDING")
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	var comments, modifiedDataJSON string
	actionCmd := &cobra.Command{
		Use:   "action <requestID> <APPROVE|REJECT|MODIFY|ESCALATE>",
		Short: "Resolve a HITL checkpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"action": args[1], "comments": comments}
			if modifiedDataJSON != "" {
				var data map[string]any
				if err := json.Unmarshal([]byte(modifiedDataJSON), &data); err != nil {
					return fmt.Errorf("parsing --modified-data: %w", err)
				}
				req["modifiedData"] = data
			}
			out, err := client().ProcessHitlAction(context.Background(), args[0], req)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	actionCmd.Flags().StringVar(&comments, "comments", "", "Reviewer comments")
	actionCmd.Flags().StringVar(&modifiedDataJSON, "modified-data", "", "Modified data as a JSON object (MODIFY action)")

	cmd.AddCommand(listCmd, actionCmd)
	return cmd
}
