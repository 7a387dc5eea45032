package sheets

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrSheetNotFound  = errors.New("sheet not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidRange   = errors.New("invalid range")
	ErrNotImplemented = errors.New("not implemented")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return e.StatusCode == 404 && target == ErrNotFound
}

const DimensionRows = "ROWS"

type ValueRange struct {
	Range  string     `json:"range"`
	Values [][]string `json:"values"`
}

type DimensionRange struct {
	SheetID    int    `json:"sheetId"`
	Dimension  string `json:"dimension"`
	StartIndex int    `json:"startIndex"`
	EndIndex   int    `json:"endIndex"`
}

type DeleteDimensionRequest struct {
	Range DimensionRange `json:"range"`
}

// Request is one structural change inside a batchUpdateSpreadsheet call.
// Only deleteDimension is understood by the built-in backends.
type Request struct {
	DeleteDimension *DeleteDimensionRequest `json:"deleteDimension,omitempty"`
}

// DeleteRows builds a request removing rows [startIndex, endIndex) of a
// sheet, zero-based.
func DeleteRows(sheetID, startIndex, endIndex int) Request {
	return Request{DeleteDimension: &DeleteDimensionRequest{Range: DimensionRange{
		SheetID:    sheetID,
		Dimension:  DimensionRows,
		StartIndex: startIndex,
		EndIndex:   endIndex,
	}}}
}

type SheetInfo struct {
	Title   string `json:"title"`
	SheetID int    `json:"sheetId"`
}

// Client is the remote tabular store. Every call is atomic on its own;
// nothing spans two calls.
type Client interface {
	Get(ctx context.Context, rng string) ([][]string, error)
	Append(ctx context.Context, rng string, values [][]string) error
	Update(ctx context.Context, rng string, values [][]string) error
	BatchUpdate(ctx context.Context, data []ValueRange) error
	BatchUpdateSpreadsheet(ctx context.Context, requests []Request) error
	GetSheetNames(ctx context.Context) ([]SheetInfo, error)
}

// SheetCreator is implemented by backends that can create sheets locally.
// The HTTP proxy cannot; sheets there are provisioned by hand.
type SheetCreator interface {
	EnsureSheet(ctx context.Context, title string, header []string) (SheetInfo, error)
}

// Watcher is implemented by backends that can signal out-of-process writes.
type Watcher interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

type closer interface {
	Close() error
}

// Close releases backend resources when the client holds any.
func Close(c Client) error {
	if cl, ok := c.(closer); ok {
		return cl.Close()
	}
	return nil
}
