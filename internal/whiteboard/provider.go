package whiteboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

type Board struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ViewLink    string    `json:"viewLink,omitempty"`
	ModifiedAt  time.Time `json:"modifiedAt"`
}

type Diagram struct {
	ID      string `json:"id"`
	BoardID string `json:"boardId"`
}

type MindMapNode struct {
	ID       string        `json:"id"`
	Text     string        `json:"text"`
	Children []MindMapNode `json:"children,omitempty"`
}

type MindMap struct {
	BoardID string      `json:"boardId"`
	Root    MindMapNode `json:"root"`
}

type CreateBoardRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Template    string          `json:"template,omitempty"`
	InitialData json.RawMessage `json:"initialData,omitempty"`
}

// ProviderClient is the boundary to the upstream whiteboard API. The adapter
// and poller depend on this interface; tests swap in FakeProviderClient.
type ProviderClient interface {
	CreateBoard(ctx context.Context, req CreateBoardRequest) (*Board, error)
	GetBoard(ctx context.Context, boardID string) (*Board, error)
	ListBoards(ctx context.Context) ([]Board, error)
	UpdateDiagram(ctx context.Context, boardID string, changes json.RawMessage) (*Diagram, error)
	GenerateMindMap(ctx context.Context, boardID, prompt string) (*MindMap, error)
	DeleteBoard(ctx context.Context, boardID string) error
	BatchGetBoards(ctx context.Context, boardIDs []string) ([]Board, error)
}

// httpProviderClient issues real calls through the token manager and request
// queue, so every operation inherits auth, rate limiting, dedup, and retry.
type httpProviderClient struct {
	baseURL   string
	accountID string
	tokens    *TokenManager
	queue     *RequestQueue
}

func newHTTPProviderClient(baseURL, accountID string, tokens *TokenManager, queue *RequestQueue) *httpProviderClient {
	return &httpProviderClient{
		baseURL:   baseURL,
		accountID: accountID,
		tokens:    tokens,
		queue:     queue,
	}
}

func (c *httpProviderClient) CreateBoard(ctx context.Context, req CreateBoardRequest) (*Board, error) {
	if req.Name == "" {
		return nil, &InvalidRequestError{Message: "board name is required"}
	}
	var board Board
	if err := c.call(ctx, http.MethodPost, "/v2/boards", PriorityHigh, req, &board); err != nil {
		return nil, err
	}
	return &board, nil
}

func (c *httpProviderClient) GetBoard(ctx context.Context, boardID string) (*Board, error) {
	if boardID == "" {
		return nil, &InvalidRequestError{Message: "board id is required"}
	}
	var board Board
	if err := c.call(ctx, http.MethodGet, "/v2/boards/"+url.PathEscape(boardID), PriorityMedium, nil, &board); err != nil {
		return nil, err
	}
	return &board, nil
}

func (c *httpProviderClient) ListBoards(ctx context.Context) ([]Board, error) {
	var out struct {
		Data []Board `json:"data"`
	}
	if err := c.call(ctx, http.MethodGet, "/v2/boards", PriorityLow, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *httpProviderClient) UpdateDiagram(ctx context.Context, boardID string, changes json.RawMessage) (*Diagram, error) {
	if boardID == "" {
		return nil, &InvalidRequestError{Message: "board id is required"}
	}
	var diagram Diagram
	path := "/v2/boards/" + url.PathEscape(boardID) + "/diagram"
	if err := c.call(ctx, http.MethodPatch, path, PriorityHigh, json.RawMessage(changes), &diagram); err != nil {
		return nil, err
	}
	if diagram.BoardID == "" {
		diagram.BoardID = boardID
	}
	return &diagram, nil
}

func (c *httpProviderClient) GenerateMindMap(ctx context.Context, boardID, prompt string) (*MindMap, error) {
	if boardID == "" {
		return nil, &InvalidRequestError{Message: "board id is required"}
	}
	if prompt == "" {
		return nil, &InvalidRequestError{Message: "prompt is required"}
	}
	body := map[string]string{"prompt": prompt}
	var mindMap MindMap
	path := "/v2/boards/" + url.PathEscape(boardID) + "/mindmap"
	if err := c.call(ctx, http.MethodPost, path, PriorityMedium, body, &mindMap); err != nil {
		return nil, err
	}
	if mindMap.BoardID == "" {
		mindMap.BoardID = boardID
	}
	return &mindMap, nil
}

func (c *httpProviderClient) DeleteBoard(ctx context.Context, boardID string) error {
	if boardID == "" {
		return &InvalidRequestError{Message: "board id is required"}
	}
	return c.call(ctx, http.MethodDelete, "/v2/boards/"+url.PathEscape(boardID), PriorityHigh, nil, nil)
}

// BatchGetBoards fetches boards through the queue's batch endpoint, at most
// ten per submitted batch.
func (c *httpProviderClient) BatchGetBoards(ctx context.Context, boardIDs []string) ([]Board, error) {
	if len(boardIDs) == 0 {
		return nil, nil
	}
	token, err := c.tokens.GetValidToken(ctx, c.accountID)
	if err != nil {
		return nil, err
	}
	operations := make([]json.RawMessage, 0, len(boardIDs))
	for _, id := range boardIDs {
		op, err := json.Marshal(map[string]string{
			"method": http.MethodGet,
			"path":   "/v2/boards/" + url.PathEscape(id),
		})
		if err != nil {
			return nil, err
		}
		operations = append(operations, op)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	results, err := c.queue.BatchExecute(ctx, c.baseURL+"/v2/batch", header, operations)
	if err != nil {
		return nil, err
	}
	var boards []Board
	for _, raw := range results {
		var out struct {
			Results []Board `json:"results"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode batch response: %w", err)
		}
		boards = append(boards, out.Results...)
	}
	return boards, nil
}

func (c *httpProviderClient) call(ctx context.Context, method, path string, priority Priority, body, out any) error {
	token, err := c.tokens.GetValidToken(ctx, c.accountID)
	if err != nil {
		return err
	}
	var encoded []byte
	if body != nil {
		encoded, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("Accept", "application/json")
	if len(encoded) > 0 {
		header.Set("Content-Type", "application/json")
	}
	result, err := c.queue.Execute(ctx, Request{
		Method:   method,
		URL:      c.baseURL + path,
		Header:   header,
		Body:     encoded,
		Priority: priority,
	})
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	return json.Unmarshal(result, out)
}
