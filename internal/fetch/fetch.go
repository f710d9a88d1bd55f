// Package fetch turns portal endpoints into lazy page sequences of
// entity records.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"net/url"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/lox/portfoliosync/internal/models"
	"github.com/lox/portfoliosync/internal/portal"
)

// Page is one unit of work from a fetcher. Records of a page are
// committed together.
type Page struct {
	Number  int
	Cursor  string
	Records []models.Record
	// Dropped counts orphan rows whose parent is not stored.
	Dropped int
	// Unpaired counts amounts nulled because only one currency was supplied.
	Unpaired int
	IsLast   bool
}

// Fetcher produces the pages of one entity type for a window. Each call
// to Fetch starts over from the first page.
type Fetcher interface {
	Entity() models.EntityType
	Fetch(ctx context.Context, w models.Window) iter.Seq2[Page, error]
}

// API is the subset of the portal client fetchers use.
type API interface {
	Get(ctx context.Context, path string, params url.Values) (*portal.Response, error)
}

// Lookup resolves parents already in storage.
type Lookup interface {
	PlantRefs(ctx context.Context) ([]models.PlantRef, error)
	DowntimeEventIDs(ctx context.Context) (map[int64]bool, error)
}

type Options struct {
	PriceAreas []string
	Logger     zerolog.Logger
}

// MalformedError reports a response that could not be turned into records.
type MalformedError struct {
	Entity models.EntityType
	Path   string
	Err    error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s response from %s: %v", e.Entity, e.Path, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// maxCursorPages bounds cursor pagination within one request unit.
const maxCursorPages = 1000

var currencies = []string{"NOK", "EUR"}

// unit is one page worth of requests.
type unit struct {
	plant *models.PlantRef
	chunk Chunk
	label string
}

type pageData struct {
	records  []models.Record
	dropped  int
	unpaired int
}

type fetcher struct {
	entity models.EntityType
	plan   func(ctx context.Context, w models.Window) ([]unit, error)
	load   func(ctx context.Context, u unit) (pageData, error)
}

func (f *fetcher) Entity() models.EntityType { return f.entity }

func (f *fetcher) Fetch(ctx context.Context, w models.Window) iter.Seq2[Page, error] {
	return func(yield func(Page, error) bool) {
		units, err := f.plan(ctx, w)
		if err != nil {
			yield(Page{}, err)
			return
		}
		for i, u := range units {
			page := Page{Number: i + 1, Cursor: u.label, IsLast: i == len(units)-1}
			if err := ctx.Err(); err != nil {
				yield(page, err)
				return
			}
			data, err := f.load(ctx, u)
			if err != nil {
				yield(page, err)
				return
			}
			page.Records = data.records
			page.Dropped = data.dropped
			page.Unpaired = data.unpaired
			if !yield(page, nil) {
				return
			}
		}
	}
}

// getAll requests path, following cursor pagination, and returns every
// item of every response.
func getAll(ctx context.Context, api API, entity models.EntityType, path string, params url.Values) ([]json.RawMessage, error) {
	q := url.Values{}
	for k, vs := range params {
		q[k] = append([]string(nil), vs...)
	}

	var out []json.RawMessage
	for i := 0; i < maxCursorPages; i++ {
		resp, err := api.Get(ctx, path, q)
		if err != nil {
			return nil, err
		}
		items, next, err := decodeEnvelope(resp.Body)
		if err != nil {
			return nil, &MalformedError{Entity: entity, Path: path, Err: err}
		}
		out = append(out, items...)
		if next == "" {
			return out, nil
		}
		q.Set("cursor", next)
	}
	return nil, &MalformedError{Entity: entity, Path: path, Err: fmt.Errorf("pagination did not finish after %d requests", maxCursorPages)}
}

type envelope struct {
	Data       json.RawMessage `json:"data"`
	NextCursor string          `json:"next_cursor"`
	Meta       struct {
		NextCursor string `json:"next_cursor"`
	} `json:"meta"`
}

// decodeEnvelope accepts a bare list, {"data": [...]} or a single object.
func decodeEnvelope(body []byte) ([]json.RawMessage, string, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, "", nil
	}

	switch body[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, "", fmt.Errorf("decode list: %w", err)
		}
		return items, "", nil
	case '{':
		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, "", fmt.Errorf("decode object: %w", err)
		}
		if env.Data == nil {
			return []json.RawMessage{json.RawMessage(body)}, "", nil
		}
		next := env.NextCursor
		if next == "" {
			next = env.Meta.NextCursor
		}
		data := bytes.TrimSpace(env.Data)
		if bytes.Equal(data, []byte("null")) {
			return nil, next, nil
		}
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, "", fmt.Errorf("decode data: %w", err)
		}
		return items, next, nil
	}
	return nil, "", fmt.Errorf("unexpected response starting with %q", body[0])
}

func decodeRows[T any](entity models.EntityType, path string, raws []json.RawMessage) ([]T, error) {
	rows := make([]T, 0, len(raws))
	for i, raw := range raws {
		var row T
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, &MalformedError{Entity: entity, Path: path, Err: fmt.Errorf("item %d: %w", i, err)}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// fetchRows requests path once and decodes every item as T.
func fetchRows[T any](ctx context.Context, api API, entity models.EntityType, path string, params url.Values) ([]T, error) {
	raws, err := getAll(ctx, api, entity, path, params)
	if err != nil {
		return nil, err
	}
	return decodeRows[T](entity, path, raws)
}

// fetchCurrencies requests path once per currency.
func fetchCurrencies[T any](ctx context.Context, api API, entity models.EntityType, path string, params url.Values) (nok, eur []T, err error) {
	byCurrency := make(map[string][]T, len(currencies))
	for _, cur := range currencies {
		q := url.Values{}
		for k, vs := range params {
			q[k] = vs
		}
		q.Set("currency", cur)
		rows, err := fetchRows[T](ctx, api, entity, path, q)
		if err != nil {
			return nil, nil, err
		}
		byCurrency[cur] = rows
	}
	return byCurrency["NOK"], byCurrency["EUR"], nil
}
