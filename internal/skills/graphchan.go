package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MLTQ/ponderer-backend/internal/httpkit"
)

// GraphchanSkill is the forum adapter: it polls the Graphchan API for
// new posts and can reply or post on the agent's behalf.
type GraphchanSkill struct {
	apiURL string
	client *http.Client

	mu     sync.Mutex
	cursor string
}

// NewGraphchanSkill builds the adapter for an API base URL.
func NewGraphchanSkill(apiURL string) *GraphchanSkill {
	return &GraphchanSkill{
		apiURL: strings.TrimRight(apiURL, "/"),
		client: httpkit.NewClient(httpkit.WithTimeout(20 * time.Second)),
	}
}

// Name implements Skill.
func (g *GraphchanSkill) Name() string { return "graphchan" }

type graphchanPost struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"thread_id"`
	Author   string   `json:"author"`
	Body     string   `json:"body"`
	Parents  []string `json:"parents"`
}

// Poll implements Skill: fetch posts newer than the cursor.
func (g *GraphchanSkill) Poll(ctx context.Context, username string) ([]Event, error) {
	g.mu.Lock()
	cursor := g.cursor
	g.mu.Unlock()

	url := g.apiURL + "/posts/recent"
	if cursor != "" {
		url += "?after=" + cursor
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graphchan poll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graphchan poll: status %d", resp.StatusCode)
	}

	var posts []graphchanPost
	if err := json.NewDecoder(resp.Body).Decode(&posts); err != nil {
		return nil, fmt.Errorf("graphchan decode: %w", err)
	}

	var out []Event
	for _, post := range posts {
		if post.Author == username {
			continue
		}
		out = append(out, Event{
			ID:        post.ID,
			Source:    "graphchan:" + post.ThreadID,
			Author:    post.Author,
			Body:      post.Body,
			ParentIDs: post.Parents,
		})
	}
	if len(posts) > 0 {
		g.mu.Lock()
		g.cursor = posts[len(posts)-1].ID
		g.mu.Unlock()
	}
	return out, nil
}

// Invoke implements Skill. Supported actions: reply (event_id, content,
// optional thread_id) and post (content, optional thread_id).
func (g *GraphchanSkill) Invoke(ctx context.Context, action string, params map[string]any) (string, error) {
	content, _ := params["content"].(string)
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("content is required")
	}

	body := map[string]any{"body": content}
	if threadID, _ := params["thread_id"].(string); threadID != "" {
		body["thread_id"] = threadID
	}

	var path string
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "reply":
		eventID, _ := params["event_id"].(string)
		if eventID == "" {
			if postID, _ := params["post_id"].(string); postID != "" {
				eventID = postID
			}
		}
		if eventID == "" {
			return "", fmt.Errorf("reply requires event_id")
		}
		body["parent_id"] = eventID
		path = "/posts"
	case "post":
		path = "/posts"
	default:
		return "", fmt.Errorf("unknown action %q (supported: reply, post)", action)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiURL+path, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("graphchan %s: %w", action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("graphchan %s: status %d", action, resp.StatusCode)
	}

	var created struct {
		ID string `json:"id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&created)
	if created.ID != "" {
		return fmt.Sprintf("Posted to graphchan (id %s).", created.ID), nil
	}
	return "Posted to graphchan.", nil
}
