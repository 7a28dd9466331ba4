package whiteboard

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FakeProviderClient is an in-memory ProviderClient for tests and local
// development. It records call counts so tests can assert how many provider
// round trips an operation cost.
type FakeProviderClient struct {
	mu     sync.Mutex
	boards map[string]Board
	calls  map[string]int
	now    func() time.Time

	// Err, when set, is returned by every operation.
	Err error
}

func NewFakeProviderClient() *FakeProviderClient {
	return &FakeProviderClient{
		boards: map[string]Board{},
		calls:  map[string]int{},
		now:    time.Now,
	}
}

// Calls reports how many times the named operation ran.
func (f *FakeProviderClient) Calls(operation string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[operation]
}

// SeedBoard installs a board without counting a call.
func (f *FakeProviderClient) SeedBoard(board Board) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boards[board.ID] = board
}

// TouchBoard bumps a board's modification time, simulating outside activity
// for polling tests.
func (f *FakeProviderClient) TouchBoard(boardID string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	board := f.boards[boardID]
	board.ID = boardID
	board.ModifiedAt = at
	f.boards[boardID] = board
}

func (f *FakeProviderClient) CreateBoard(_ context.Context, req CreateBoardRequest) (*Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateBoard"]++
	if f.Err != nil {
		return nil, f.Err
	}
	board := Board{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		ModifiedAt:  f.now(),
	}
	f.boards[board.ID] = board
	return &board, nil
}

func (f *FakeProviderClient) GetBoard(_ context.Context, boardID string) (*Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetBoard"]++
	if f.Err != nil {
		return nil, f.Err
	}
	board, ok := f.boards[boardID]
	if !ok {
		return nil, &APIError{StatusCode: 404, Code: "not_found", Message: "board " + boardID + " not found"}
	}
	return &board, nil
}

func (f *FakeProviderClient) ListBoards(_ context.Context) ([]Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ListBoards"]++
	if f.Err != nil {
		return nil, f.Err
	}
	boards := make([]Board, 0, len(f.boards))
	for _, board := range f.boards {
		boards = append(boards, board)
	}
	return boards, nil
}

func (f *FakeProviderClient) UpdateDiagram(_ context.Context, boardID string, _ json.RawMessage) (*Diagram, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["UpdateDiagram"]++
	if f.Err != nil {
		return nil, f.Err
	}
	board, ok := f.boards[boardID]
	if !ok {
		return nil, &APIError{StatusCode: 404, Code: "not_found", Message: "board " + boardID + " not found"}
	}
	board.ModifiedAt = f.now()
	f.boards[boardID] = board
	return &Diagram{ID: uuid.NewString(), BoardID: boardID}, nil
}

func (f *FakeProviderClient) GenerateMindMap(_ context.Context, boardID, prompt string) (*MindMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GenerateMindMap"]++
	if f.Err != nil {
		return nil, f.Err
	}
	return &MindMap{
		BoardID: boardID,
		Root:    MindMapNode{ID: uuid.NewString(), Text: prompt},
	}, nil
}

func (f *FakeProviderClient) DeleteBoard(_ context.Context, boardID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DeleteBoard"]++
	if f.Err != nil {
		return f.Err
	}
	if _, ok := f.boards[boardID]; !ok {
		return &APIError{StatusCode: 404, Code: "not_found", Message: "board " + boardID + " not found"}
	}
	delete(f.boards, boardID)
	return nil
}

func (f *FakeProviderClient) BatchGetBoards(_ context.Context, boardIDs []string) ([]Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["BatchGetBoards"]++
	if f.Err != nil {
		return nil, f.Err
	}
	var boards []Board
	for _, id := range boardIDs {
		if board, ok := f.boards[id]; ok {
			boards = append(boards, board)
		}
	}
	return boards, nil
}
