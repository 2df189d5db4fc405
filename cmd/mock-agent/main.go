// mock-agent is a stand-in agent process for local development. It follows
// the real spawn contract: read the manifest, confirm startup, work through
// the assigned tasks (draining the queue when the session uses the queue
// strategy), and report everything through the coordinator API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/antoniostano/maestro/internal/reliability"
	"github.com/antoniostano/maestro/internal/spawn"
)

func main() {
	sessionID := os.Getenv(spawn.EnvSessionID)
	manifestPath := os.Getenv(spawn.EnvManifestPath)
	apiURL := os.Getenv(spawn.EnvAPIURL)
	if sessionID == "" || manifestPath == "" || apiURL == "" {
		log.Fatalf("missing %s, %s or %s", spawn.EnvSessionID, spawn.EnvManifestPath, spawn.EnvAPIURL)
	}

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		log.Fatalf("read manifest: %v", err)
	}
	manifest, err := spawn.ParseManifest(raw)
	if err != nil {
		log.Fatalf("parse manifest: %v", err)
	}

	c := &client{base: apiURL, sessionID: sessionID}

	// The coordinator may still be flushing the spawn record when this
	// process comes up, so the activation check-in retries briefly.
	if err := c.postRetry("/v1/sessions/"+sessionID+"/confirm", nil, 5); err != nil {
		log.Fatalf("confirm: %v", err)
	}
	log.Printf("session %s active (%s, %d tasks)", sessionID, manifest.Mode, len(manifest.Tasks))

	if manifest.Session.Strategy == "queue" {
		runQueue(c, sessionID, manifest)
	} else {
		runSimple(c, sessionID, manifest)
	}

	log.Printf("session %s done", sessionID)
}

// runSimple works through the manifest tasks in order, reporting each one
// through the timeline.
func runSimple(c *client, sessionID string, m spawn.Manifest) {
	for _, t := range m.Tasks {
		c.timeline("task_started", t.ID, "starting "+t.Title)
		time.Sleep(100 * time.Millisecond)
		c.timeline("task_completed", t.ID, "finished "+t.Title)
	}
}

// runQueue pushes every manifest task, then drains the queue item by item.
func runQueue(c *client, sessionID string, m spawn.Manifest) {
	for _, t := range m.Tasks {
		if err := c.post("/v1/sessions/"+sessionID+"/queue/items", map[string]string{"taskId": t.ID}); err != nil {
			log.Printf("push %s: %v", t.ID, err)
		}
	}
	for {
		if err := c.post("/v1/sessions/"+sessionID+"/queue/next", nil); err != nil {
			// Empty queue means the drain is finished.
			break
		}
		time.Sleep(100 * time.Millisecond)
		if err := c.post("/v1/sessions/"+sessionID+"/queue/complete", nil); err != nil {
			log.Printf("complete: %v", err)
			break
		}
	}
}

type client struct {
	base      string
	sessionID string
}

func (c *client) post(path string, body any) error {
	_, err := c.do(path, body)
	return err
}

func (c *client) postRetry(path string, body any, attempts int) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		var status int
		status, err = c.do(path, body)
		if err == nil {
			return nil
		}
		if status != 0 && !reliability.IsRetryableHTTPStatus(status) {
			return err
		}
		time.Sleep(reliability.ExponentialBackoff(attempt, 200*time.Millisecond, 3*time.Second))
	}
	return err
}

func (c *client) do(path string, body any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Maestro-Session-Id", c.sessionID)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (c *client) timeline(eventType, taskID, message string) {
	err := c.post("/v1/sessions/"+c.sessionID+"/timeline", map[string]string{
		"type":    eventType,
		"taskId":  taskID,
		"message": message,
	})
	if err != nil {
		log.Printf("timeline %s: %v", eventType, err)
	}
}
