package feed

import (
	"context"
	"fmt"

	"github.com/i474232898/air-quality-aggregation/internal/logging"
	"github.com/i474232898/air-quality-aggregation/internal/metrics"
)

// Pager walks the remote feed page by page until a short page is returned.
type Pager struct {
	source   PageSource
	cap      int
	maxPages int
}

// PagerOption customises a Pager.
type PagerOption func(*Pager)

// WithPageCap overrides the number of records requested per page.
func WithPageCap(n int) PagerOption {
	return func(p *Pager) {
		if n > 0 {
			p.cap = n
		}
	}
}

// WithMaxPages bounds the number of requests of a single fetch loop (0 = unlimited).
func WithMaxPages(n int) PagerOption {
	return func(p *Pager) {
		p.maxPages = n
	}
}

// NewPager creates a Pager over source.
func NewPager(source PageSource, opts ...PagerOption) *Pager {
	p := &Pager{source: source, cap: PageCap}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FetchPages requests pages for id starting at cur. A non-empty cur.Start pages
// forward, otherwise pages go backward from cur.End (or from now when empty).
// Pages are returned in fetch order. On any error no pages are returned.
func (p *Pager) FetchPages(ctx context.Context, id SensorID, cur Cursor) ([]Page, error) {
	dir := cur.Direction()

	var pages []Page
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.maxPages > 0 && n > p.maxPages {
			return nil, fmt.Errorf("%w: %d pages for sensor %s", ErrTooManyPages, p.maxPages, id)
		}

		logging.Debug().
			Str("sensor", id.String()).
			Int("page", n).
			Str("start", cur.Start).
			Str("end", cur.End).
			Msg("requesting feed page")

		page, err := p.source.FetchPage(ctx, id, cur, p.cap)
		if err != nil {
			return nil, fmt.Errorf("fetch page %d for sensor %s: %w", n, id, err)
		}
		metrics.PagesFetched.WithLabelValues(p.source.Name(), dir.String()).Inc()

		if n == 1 && tooFewRecords(page, dir) {
			return nil, ErrEmptyResult
		}
		pages = append(pages, page)

		if page.Len() < p.cap {
			logging.Debug().Str("sensor", id.String()).Int("pages", len(pages)).Msg("all feed records returned")
			return pages, nil
		}

		next, err := Advance(page, dir)
		if err != nil {
			return nil, err
		}
		if cur, err = step(cur, dir, next); err != nil {
			return nil, err
		}
	}
}

// tooFewRecords applies the near-empty filter to the first page. A forward
// fetch always returns the boundary record again, so a single record means
// nothing new.
func tooFewRecords(page Page, dir Direction) bool {
	if dir == Forward {
		return page.Len() < 2
	}
	return page.Len() == 0
}

// step moves the active end of cur to next, refusing to stand still or go back.
func step(cur Cursor, dir Direction, next string) (Cursor, error) {
	prev := cur.End
	if dir == Forward {
		prev = cur.Start
	}

	if prev != "" {
		if next == prev {
			return cur, fmt.Errorf("%w: %s", ErrCursorStalled, next)
		}
		pt, perr := ParseTimestamp(prev)
		nt, nerr := ParseTimestamp(next)
		if perr == nil && nerr == nil {
			if (dir == Forward && !nt.After(pt)) || (dir == Backward && !nt.Before(pt)) {
				return cur, fmt.Errorf("%w: %s -> %s", ErrCursorStalled, prev, next)
			}
		}
	}

	if dir == Forward {
		cur.Start = next
	} else {
		cur.End = next
	}
	return cur, nil
}
