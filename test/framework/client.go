package framework

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tandem-io/tandem/pkg/api"
	"github.com/tandem-io/tandem/pkg/types"
)

// Client drives the stack the way a real caller would: collection and
// document traffic through the proxy surface, inspection through the
// admin surface. Every method reports the HTTP status so tests can
// assert verdicts, not just payloads.
type Client struct {
	baseURL string
	http    *http.Client

	// Session tags requests so transaction attempts group per caller
	Session string
}

// NewClient creates a client bound to a base URL
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Documents is the document payload shape the fake instances speak
type Documents struct {
	IDs       []string                 `json:"ids"`
	Documents []string                 `json:"documents,omitempty"`
	Metadatas []map[string]interface{} `json:"metadatas,omitempty"`
	Where     map[string]interface{}   `json:"where,omitempty"`
}

// CreateCollection creates a collection by name and returns the
// identifier the serving instance assigned
func (c *Client) CreateCollection(name string) (int, string, error) {
	status, body, err := c.do(http.MethodPost, "/api/v1/collections", map[string]string{"name": name})
	if err != nil {
		return 0, "", err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if status >= 200 && status < 300 {
		if err := json.Unmarshal(body, &resp); err != nil {
			return status, "", fmt.Errorf("decode create response: %w", err)
		}
	}
	return status, resp.ID, nil
}

// DeleteCollection deletes a collection by name
func (c *Client) DeleteCollection(name string) (int, error) {
	status, _, err := c.do(http.MethodDelete, "/api/v1/collections/"+name, nil)
	return status, err
}

// AddDocuments adds documents to a collection addressed by name
func (c *Client) AddDocuments(collection string, docs Documents) (int, error) {
	status, _, err := c.do(http.MethodPost, "/api/v1/collections/"+collection+"/add", docs)
	return status, err
}

// DeleteDocuments removes documents by id
func (c *Client) DeleteDocuments(collection string, ids ...string) (int, error) {
	status, _, err := c.do(http.MethodPost, "/api/v1/collections/"+collection+"/delete", Documents{IDs: ids})
	return status, err
}

// DeleteWhere removes every document whose metadata matches the filter
func (c *Client) DeleteWhere(collection string, where map[string]interface{}) (int, error) {
	status, _, err := c.do(http.MethodPost, "/api/v1/collections/"+collection+"/delete", Documents{Where: where})
	return status, err
}

// GetDocuments fetches documents by id; no ids means all
func (c *Client) GetDocuments(collection string, ids ...string) (int, *Documents, error) {
	status, body, err := c.do(http.MethodPost, "/api/v1/collections/"+collection+"/get", Documents{IDs: ids})
	if err != nil {
		return 0, nil, err
	}
	var out Documents
	if status >= 200 && status < 300 {
		if err := json.Unmarshal(body, &out); err != nil {
			return status, nil, fmt.Errorf("decode get response: %w", err)
		}
	}
	return status, &out, nil
}

// CountDocuments returns the collection's document count
func (c *Client) CountDocuments(collection string) (int, int, error) {
	status, body, err := c.do(http.MethodGet, "/api/v1/collections/"+collection+"/count", nil)
	if err != nil {
		return 0, 0, err
	}
	var resp struct {
		Count int `json:"count"`
	}
	if status >= 200 && status < 300 {
		if err := json.Unmarshal(body, &resp); err != nil {
			return status, 0, fmt.Errorf("decode count response: %w", err)
		}
	}
	return status, resp.Count, nil
}

// Status fetches the engine status page
func (c *Client) Status() (*api.StatusResponse, error) {
	status, body, err := c.do(http.MethodGet, "/status", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("GET /status: HTTP %d", status)
	}
	var out api.StatusResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &out, nil
}

// WALStatus fetches the replay progress page
func (c *Client) WALStatus() (*api.WALStatusResponse, error) {
	status, body, err := c.do(http.MethodGet, "/wal/status", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("GET /wal/status: HTTP %d", status)
	}
	var out api.WALStatusResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode WAL status response: %w", err)
	}
	return &out, nil
}

// Mappings fetches the full mapping list
func (c *Client) Mappings() ([]*types.CollectionMapping, error) {
	status, body, err := c.do(http.MethodGet, "/collection/mappings", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("GET /collection/mappings: HTTP %d", status)
	}
	var out struct {
		Count    int                        `json:"count"`
		Mappings []*types.CollectionMapping `json:"mappings"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode mappings response: %w", err)
	}
	return out.Mappings, nil
}

// RepairMapping force-writes identifiers through the admin endpoint
func (c *Client) RepairMapping(name, primaryID, replicaID string) (int, *types.CollectionMapping, error) {
	status, body, err := c.do(http.MethodPost, "/admin/create_mapping", map[string]string{
		"name":       name,
		"primary_id": primaryID,
		"replica_id": replicaID,
	})
	if err != nil {
		return 0, nil, err
	}
	var out types.CollectionMapping
	if status == http.StatusOK {
		if err := json.Unmarshal(body, &out); err != nil {
			return status, nil, fmt.Errorf("decode repair response: %w", err)
		}
	}
	return status, &out, nil
}

// GetRaw issues a bare GET and returns status and body
func (c *Client) GetRaw(path string) (int, []byte, error) {
	return c.do(http.MethodGet, path, nil)
}

func (c *Client) do(method, path string, payload interface{}) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Session != "" {
		req.Header.Set("X-Session-ID", c.Session)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, b, nil
}
