package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fentz26/contextmem/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the contextmem API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// ListEntities fetches entities, most important first.
func (c *Client) ListEntities(entityType string) ([]models.Entity, error) {
	q := url.Values{"sort_by": {models.SortByImportance}, "limit": {"200"}}
	if entityType != "" {
		q.Set("type", entityType)
	}
	var out []models.Entity
	err := c.get("/entities?"+q.Encode(), &out)
	return out, err
}

// ListPatterns fetches every detected pattern.
func (c *Client) ListPatterns() ([]models.WorkflowPattern, error) {
	var out []models.WorkflowPattern
	err := c.get("/patterns", &out)
	return out, err
}

// ListSuggestions fetches unapplied suggestions across workflows.
func (c *Client) ListSuggestions() ([]models.Suggestion, error) {
	var out []models.Suggestion
	err := c.get("/suggestions?pending=true", &out)
	return out, err
}

// ApplySuggestion marks a suggestion applied with the given verdict.
func (c *Client) ApplySuggestion(id string, helpful bool) (*models.Suggestion, error) {
	var out models.Suggestion
	err := c.post("/suggestions/"+url.PathEscape(id)+"/apply", models.Feedback{Applied: true, Helpful: helpful}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// TrainModel trains a model with server defaults and generates its suggestions.
func (c *Client) TrainModel(modelType string) (*models.LearningModel, int, error) {
	var m models.LearningModel
	if err := c.post("/models/train", models.TrainingConfig{ModelType: models.ModelType(modelType)}, &m); err != nil {
		return nil, 0, err
	}
	var list []models.Suggestion
	if err := c.post("/models/"+url.PathEscape(m.ID)+"/suggestions", map[string]string{}, &list); err != nil {
		return &m, 0, err
	}
	return &m, len(list), nil
}

// CheckHealth checks if the daemon is healthy.
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var health struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}
	return health.OK, nil
}

func (c *Client) get(path string, dst interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, dst)
}

func (c *Client) post(path string, data, dst interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, dst)
}

func decodeResponse(resp *http.Response, dst interface{}) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, dst)
}
