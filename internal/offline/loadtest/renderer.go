package loadtest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// syntheticRenderer produces deterministic page images of a fixed size.
type syntheticRenderer struct {
	opts    Options
	renders atomic.Int64
}

func (r *syntheticRenderer) RenderPage(ctx context.Context, documentID string, page, dpi int) ([]byte, string, error) {
	if r.opts.RenderDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(r.opts.RenderDelay):
		}
	}
	r.renders.Add(1)

	header := fmt.Sprintf("%s/%d@%d;", documentID, page, dpi)
	data := make([]byte, max(r.opts.PageBytes, len(header)))
	copy(data, header)
	for i := len(header); i < len(data); i++ {
		data[i] = header[i%len(header)]
	}
	return data, "image/png", nil
}

func (r *syntheticRenderer) ExtractText(ctx context.Context, documentID string, page int) (string, error) {
	return fmt.Sprintf("synthetic text of %s page %d", documentID, page), nil
}

func (r *syntheticRenderer) PageCount(ctx context.Context, documentID string) (int, error) {
	return r.opts.PagesPerDoc, nil
}

func (r *syntheticRenderer) count() int64 {
	return r.renders.Load()
}
