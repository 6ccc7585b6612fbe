// agentctl is a small CLI client for the agentd HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
)

var (
	app    = kingpin.New("agentctl", "Control client for the agentd task engine")
	addr   = app.Flag("addr", "agentd base URL").Default("http://localhost:3200").Envar("AGENTD_ADDR").String()
	apiKey = app.Flag("api-key", "API key").Envar("AGENTD_API_KEY").String()

	createCmd      = app.Command("create", "Submit a new task")
	createOwner    = createCmd.Flag("owner", "Owner id").Required().String()
	createGoal     = createCmd.Arg("goal", "Natural-language goal").Required().String()
	createPriority = createCmd.Flag("priority", "Priority (higher runs sooner)").Default("0").Int()
	createMaxIters = createCmd.Flag("max-iterations", "Iteration ceiling (0 = server default)").Default("0").Int()
	createConfirm  = createCmd.Flag("require-confirmation", "Require confirmation for every tool call").Bool()

	showCmd = app.Command("show", "Show task details")
	showID  = showCmd.Arg("id", "Task ID").Required().String()

	listCmd    = app.Command("list", "List tasks")
	listOwner  = listCmd.Flag("owner", "Filter by owner").String()
	listStatus = listCmd.Flag("status", "Filter by status").String()

	queuedCmd = app.Command("queued", "List claimable tasks")

	pauseCmd = app.Command("pause", "Pause a running task")
	pauseID  = pauseCmd.Arg("id", "Task ID").Required().String()

	resumeCmd = app.Command("resume", "Resume a paused task")
	resumeID  = resumeCmd.Arg("id", "Task ID").Required().String()

	cancelCmd = app.Command("cancel", "Cancel a task")
	cancelID  = cancelCmd.Arg("id", "Task ID").Required().String()

	confirmCmd = app.Command("confirm", "Approve a pending high-risk tool call")
	confirmID  = confirmCmd.Arg("id", "Task ID").Required().String()

	rejectCmd = app.Command("reject", "Reject a pending high-risk tool call")
	rejectID  = rejectCmd.Arg("id", "Task ID").Required().String()

	stepsCmd   = app.Command("steps", "Show a task's step trace")
	stepsID    = stepsCmd.Arg("id", "Task ID").Required().String()
	stepsLimit = stepsCmd.Flag("limit", "Only the most recent N steps").Default("0").Int()

	checkpointsCmd = app.Command("checkpoints", "List a task's checkpoints")
	checkpointsID  = checkpointsCmd.Arg("id", "Task ID").Required().String()

	restoreCmd        = app.Command("restore", "Re-enqueue a finished task from a checkpoint")
	restoreID         = restoreCmd.Arg("id", "Task ID").Required().String()
	restoreCheckpoint = restoreCmd.Flag("checkpoint", "Checkpoint ID (default: most recent)").String()

	deleteCmd = app.Command("delete", "Delete a task and its history")
	deleteID  = deleteCmd.Arg("id", "Task ID").Required().String()

	toolsCmd = app.Command("tools", "List registered tools")
	statsCmd = app.Command("stats", "Show global task stats")

	workerCmd       = app.Command("worker", "Worker control")
	workerStatusCmd = workerCmd.Command("status", "Show worker status")
	workerStartCmd  = workerCmd.Command("start", "Start the polling cycle")
	workerStopCmd   = workerCmd.Command("stop", "Stop the polling cycle")
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	c := &client{base: *addr, apiKey: *apiKey, http: &http.Client{Timeout: 30 * time.Second}}

	var err error
	switch command {
	case createCmd.FullCommand():
		err = c.post("/api/tasks", map[string]any{
			"owner_id": *createOwner,
			"goal":     *createGoal,
			"priority": *createPriority,
			"config": map[string]any{
				"max_iterations":       *createMaxIters,
				"require_confirmation": *createConfirm,
			},
		})
	case showCmd.FullCommand():
		err = c.get("/api/tasks/" + *showID)
	case listCmd.FullCommand():
		err = c.get(fmt.Sprintf("/api/tasks?owner=%s&status=%s", *listOwner, *listStatus))
	case queuedCmd.FullCommand():
		err = c.get("/api/tasks/queued")
	case pauseCmd.FullCommand():
		err = c.post("/api/tasks/"+*pauseID+"/pause", nil)
	case resumeCmd.FullCommand():
		err = c.post("/api/tasks/"+*resumeID+"/resume", nil)
	case cancelCmd.FullCommand():
		err = c.post("/api/tasks/"+*cancelID+"/cancel", nil)
	case confirmCmd.FullCommand():
		err = c.post("/api/tasks/"+*confirmID+"/confirm", nil)
	case rejectCmd.FullCommand():
		err = c.post("/api/tasks/"+*rejectID+"/reject", nil)
	case stepsCmd.FullCommand():
		err = c.get(fmt.Sprintf("/api/tasks/%s/steps?limit=%d", *stepsID, *stepsLimit))
	case checkpointsCmd.FullCommand():
		err = c.get("/api/tasks/" + *checkpointsID + "/checkpoints")
	case restoreCmd.FullCommand():
		err = c.post("/api/tasks/"+*restoreID+"/restore", map[string]any{"checkpoint_id": *restoreCheckpoint})
	case deleteCmd.FullCommand():
		err = c.delete("/api/tasks/" + *deleteID)
	case toolsCmd.FullCommand():
		err = c.get("/api/tools")
	case statsCmd.FullCommand():
		err = c.get("/api/stats")
	case workerStatusCmd.FullCommand():
		err = c.get("/api/worker")
	case workerStartCmd.FullCommand():
		err = c.post("/api/worker/start", nil)
	case workerStopCmd.FullCommand():
		err = c.post("/api/worker/stop", nil)
	}

	if err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

type client struct {
	base   string
	apiKey string
	http   *http.Client
}

func (c *client) get(path string) error {
	return c.do(http.MethodGet, path, nil)
}

func (c *client) post(path string, body any) error {
	return c.do(http.MethodPost, path, body)
}

func (c *client) delete(path string) error {
	return c.do(http.MethodDelete, path, nil)
}

func (c *client) do(method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		data = pretty.Bytes()
	}

	if resp.StatusCode >= 400 {
		color.Red("%s %s -> %s", method, path, resp.Status)
		fmt.Println(string(data))
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	color.Green("%s %s -> %s", method, path, resp.Status)
	fmt.Println(string(data))
	return nil
}
