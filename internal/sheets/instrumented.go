package sheets

import (
	"context"
	"time"

	"github.com/agentworkforce/taxomap/internal/metrics"
)

// Instrument records per-action call counts and latency for c. Optional
// interfaces (SheetCreator, Watcher, Close) keep working through the wrapper.
func Instrument(c Client, reg *metrics.Registry) Client {
	if reg == nil {
		return c
	}
	return &instrumentedClient{inner: c, reg: reg}
}

type instrumentedClient struct {
	inner Client
	reg   *metrics.Registry
}

func (c *instrumentedClient) Get(ctx context.Context, rng string) ([][]string, error) {
	started := time.Now()
	rows, err := c.inner.Get(ctx, rng)
	c.reg.ObserveRemoteCall("get", started, err)
	return rows, err
}

func (c *instrumentedClient) Append(ctx context.Context, rng string, values [][]string) error {
	started := time.Now()
	err := c.inner.Append(ctx, rng, values)
	c.reg.ObserveRemoteCall("append", started, err)
	return err
}

func (c *instrumentedClient) Update(ctx context.Context, rng string, values [][]string) error {
	started := time.Now()
	err := c.inner.Update(ctx, rng, values)
	c.reg.ObserveRemoteCall("update", started, err)
	return err
}

func (c *instrumentedClient) BatchUpdate(ctx context.Context, data []ValueRange) error {
	started := time.Now()
	err := c.inner.BatchUpdate(ctx, data)
	c.reg.ObserveRemoteCall("batchUpdate", started, err)
	return err
}

func (c *instrumentedClient) BatchUpdateSpreadsheet(ctx context.Context, requests []Request) error {
	started := time.Now()
	err := c.inner.BatchUpdateSpreadsheet(ctx, requests)
	c.reg.ObserveRemoteCall("batchUpdateSpreadsheet", started, err)
	return err
}

func (c *instrumentedClient) GetSheetNames(ctx context.Context) ([]SheetInfo, error) {
	started := time.Now()
	out, err := c.inner.GetSheetNames(ctx)
	c.reg.ObserveRemoteCall("getSheetNames", started, err)
	return out, err
}

func (c *instrumentedClient) EnsureSheet(ctx context.Context, title string, header []string) (SheetInfo, error) {
	creator, ok := c.inner.(SheetCreator)
	if !ok {
		return SheetInfo{}, ErrNotImplemented
	}
	return creator.EnsureSheet(ctx, title, header)
}

func (c *instrumentedClient) Watch(ctx context.Context) (<-chan struct{}, error) {
	w, ok := c.inner.(Watcher)
	if !ok {
		return nil, ErrNotImplemented
	}
	return w.Watch(ctx)
}

func (c *instrumentedClient) Close() error {
	return Close(c.inner)
}
