package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	statusColors = map[string]*color.Color{
		"queued":    color.New(color.FgYellow),
		"running":   color.New(color.FgCyan),
		"succeeded": color.New(color.FgGreen),
		"failed":    color.New(color.FgRed),
		"canceled":  color.New(color.FgHiBlack),
	}
	headline = color.New(color.Bold)
)

func paintStatus(status string) string {
	if c, ok := statusColors[status]; ok {
		return c.Sprint(status)
	}
	return status
}

type workOrderView struct {
	ID             string `json:"id"`
	Task           string `json:"task"`
	Status         string `json:"status"`
	AgentType      string `json:"agent_type"`
	HarnessProfile string `json:"harness_profile"`
	CreatedAt      string `json:"created_at"`
}

func newSubmitCommand(client *apiClient) *cobra.Command {
	var (
		workspacePath string
		agentType     string
		profileName   string
		maxIterations int
		priority      int
	)
	cmd := &cobra.Command{
		Use:   "submit <task>",
		Short: "Submit a new work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if workspacePath == "" {
				return userErrorf("--workspace is required")
			}
			body := map[string]any{
				"task":            args[0],
				"workspace":       map[string]any{"kind": "local", "path": workspacePath},
				"agent_type":      agentType,
				"harness_profile": profileName,
				"max_iterations":  maxIterations,
				"priority":        priority,
			}
			var wo workOrderView
			if err := client.call("POST", "/api/v1/work-orders", body, &wo); err != nil {
				return err
			}
			fmt.Printf("%s %s\n", headline.Sprint("Submitted"), wo.ID)
			fmt.Printf("  status: %s\n", paintStatus(wo.Status))
			return nil
		},
	}
	cmd.Flags().StringVarP(&workspacePath, "workspace", "w", "", "local workspace path")
	cmd.Flags().StringVarP(&agentType, "agent", "a", "", "agent type")
	cmd.Flags().StringVarP(&profileName, "profile", "p", "", "harness profile name")
	cmd.Flags().IntVarP(&maxIterations, "max-iterations", "n", 0, "iteration budget")
	cmd.Flags().IntVar(&priority, "priority", 0, "queue priority")
	return cmd
}

func newListCommand(client *apiClient) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/work-orders"
			if status != "" {
				path += "?status=" + status
			}
			var data struct {
				WorkOrders []workOrderView `json:"work_orders"`
			}
			if err := client.call("GET", path, nil, &data); err != nil {
				return err
			}
			if len(data.WorkOrders) == 0 {
				fmt.Println("no work orders")
				return nil
			}
			for _, wo := range data.WorkOrders {
				task := wo.Task
				if len(task) > 60 {
					task = task[:57] + "..."
				}
				fmt.Printf("%s  %-10s  %s\n", wo.ID, paintStatus(wo.Status), task)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status")
	return cmd
}

func newGetCommand(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "get <work-order-id>",
		Short: "Show a work order with its runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var detail struct {
				WorkOrder workOrderView `json:"work_order"`
				Runs      []struct {
					ID     string `json:"id"`
					State  string `json:"state"`
					Result string `json:"result"`
				} `json:"runs"`
				Position *struct {
					Position int `json:"position"`
					Ahead    int `json:"ahead"`
				} `json:"queue_position"`
			}
			if err := client.call("GET", "/api/v1/work-orders/"+args[0], nil, &detail); err != nil {
				return err
			}
			wo := detail.WorkOrder
			headline.Printf("%s\n", wo.ID)
			fmt.Printf("  task:    %s\n", wo.Task)
			fmt.Printf("  status:  %s\n", paintStatus(wo.Status))
			if wo.AgentType != "" {
				fmt.Printf("  agent:   %s\n", wo.AgentType)
			}
			if wo.HarnessProfile != "" {
				fmt.Printf("  profile: %s\n", wo.HarnessProfile)
			}
			if detail.Position != nil {
				fmt.Printf("  queue:   position %d (%d ahead)\n", detail.Position.Position, detail.Position.Ahead)
			}
			if len(detail.Runs) > 0 {
				fmt.Println("  runs:")
				for _, run := range detail.Runs {
					fmt.Printf("    %s  %s  %s\n", run.ID, run.State, run.Result)
				}
			}
			return nil
		},
	}
}

func newCancelCommand(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <work-order-id>",
		Short: "Cancel a work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.call("DELETE", "/api/v1/work-orders/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("%s %s\n", color.RedString("Canceled"), args[0])
			return nil
		},
	}
}

func newWatchCommand(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Stream a run's events until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.stream("/api/v1/runs/" + args[0] + "/stream")
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			scanner := bufio.NewScanner(resp.Body)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			var eventType string
			for scanner.Scan() {
				line := scanner.Text()
				switch {
				case strings.HasPrefix(line, "event: "):
					eventType = strings.TrimPrefix(line, "event: ")
				case strings.HasPrefix(line, "data: "):
					printEvent(eventType, strings.TrimPrefix(line, "data: "))
					if eventType == "run_completed" || eventType == "run_failed" {
						return nil
					}
				}
			}
			return scanner.Err()
		},
	}
}

func printEvent(eventType, payload string) {
	var data map[string]any
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		fmt.Printf("%s  %s\n", eventType, payload)
		return
	}
	switch eventType {
	case "connected":
		fmt.Printf("%s run %v (%v)\n", color.CyanString("watching"), data["runId"], data["runStatus"])
	case "progress_update":
		inner, _ := data["data"].(map[string]any)
		fmt.Printf("%s iteration %v\n", color.YellowString("progress"), inner["iteration"])
	case "run_completed":
		fmt.Println(color.GreenString("run completed"))
	case "run_failed":
		fmt.Println(color.RedString("run failed"))
	default:
		fmt.Printf("%s\n", eventType)
	}
}
