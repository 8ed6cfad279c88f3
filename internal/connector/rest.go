package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// RESTAdapter translates queries into HTTP calls against the configured
// endpoint. Explicit "GET /path" and "POST /path" expressions pass through:
// for GET, parameters fill the path's ? placeholders first and spill into
// the query string; for POST they are sent as a JSON body. A SELECT plan is
// mapped onto the resource convention instead, so a rest source answers the
// same plans the SQL kinds do: GET /{table} with the WHERE bindings as
// named query parameters, /{table}/count for aggregates.
type RESTAdapter struct {
	cfg    DataSourceConfig
	token  string
	client *http.Client
}

// NewRESTAdapter builds an adapter for a REST source. token is the resolved
// credential for cfg.CredentialsRef; empty disables auth.
func NewRESTAdapter(cfg DataSourceConfig, token string) *RESTAdapter {
	return &RESTAdapter{
		cfg:    cfg,
		token:  token,
		client: &http.Client{},
	}
}

func (a *RESTAdapter) Open(ctx context.Context) error { return nil }

func (a *RESTAdapter) Execute(ctx context.Context, query string, params []any, deadline time.Duration) (*RawResult, error) {
	method, path, err := parseExpression(query)
	if err != nil {
		if !selectPrefixRe.MatchString(query) {
			return nil, err
		}
		path, err = translateSelect(query, params)
		if err != nil {
			return nil, err
		}
		method = http.MethodGet
		params = nil
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var req *http.Request
	start := time.Now()
	switch method {
	case http.MethodGet:
		full, err := a.buildGetURL(path, params)
		if err != nil {
			return nil, err
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
	case http.MethodPost:
		body, err := json.Marshal(map[string]any{"params": params})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimSuffix(a.cfg.Endpoint, "/")+path, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrSourceTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrSourceUnavailable, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	result, err := decodeRows(raw, a.cfg.MaxRows)
	if err != nil {
		return nil, err
	}
	result.Elapsed = time.Since(start)
	return result, nil
}

func (a *RESTAdapter) Close() error { return nil }

func parseExpression(query string) (method, path string, err error) {
	fields := strings.Fields(strings.TrimSpace(query))
	if len(fields) != 2 {
		return "", "", fmt.Errorf("%w: expected \"GET /path\" or \"POST /path\", got %q", ErrSourceUnavailable, query)
	}
	method = strings.ToUpper(fields[0])
	if method != http.MethodGet && method != http.MethodPost {
		return "", "", fmt.Errorf("%w: unsupported method %q", ErrSourceUnavailable, fields[0])
	}
	path = fields[1]
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return method, path, nil
}

var (
	selectPrefixRe = regexp.MustCompile(`(?i)^\s*select\b`)
	selectCountRe  = regexp.MustCompile(`(?i)^\s*select\s+count\s*\(`)
	selectFromRe   = regexp.MustCompile(`(?i)\bfrom\s+([a-zA-Z_][a-zA-Z0-9_]*)`)
	whereBindRe    = regexp.MustCompile(`(?i)\b([a-zA-Z_][a-zA-Z0-9_]*)\s*(?:=|like)\s*\?`)
)

// translateSelect maps a gated SELECT plan onto the resource convention.
// Bound values are paired with their WHERE columns positionally; leftovers
// become p1, p2, ... so nothing the planner collected is dropped.
func translateSelect(query string, params []any) (string, error) {
	m := selectFromRe.FindStringSubmatch(query)
	if m == nil {
		return "", fmt.Errorf("%w: no table reference in %q", ErrSourceUnavailable, query)
	}
	path := "/" + strings.ToLower(m[1])
	if selectCountRe.MatchString(query) {
		path += "/count"
	}

	values := url.Values{}
	binds := whereBindRe.FindAllStringSubmatch(query, -1)
	for i, b := range binds {
		if i >= len(params) {
			break
		}
		values.Set(strings.ToLower(b[1]), fmt.Sprint(params[i]))
	}
	for i := len(binds); i < len(params); i++ {
		values.Set("p"+strconv.Itoa(i+1), fmt.Sprint(params[i]))
	}
	if len(values) == 0 {
		return path, nil
	}
	return path + "?" + values.Encode(), nil
}

func (a *RESTAdapter) buildGetURL(path string, params []any) (string, error) {
	remaining := params
	for strings.Contains(path, "?") && len(remaining) > 0 {
		path = strings.Replace(path, "?", url.PathEscape(fmt.Sprint(remaining[0])), 1)
		remaining = remaining[1:]
	}

	full := strings.TrimSuffix(a.cfg.Endpoint, "/") + path
	if len(remaining) == 0 {
		return full, nil
	}
	values := url.Values{}
	for i, p := range remaining {
		values.Set("p"+strconv.Itoa(i+1), fmt.Sprint(p))
	}
	return full + "?" + values.Encode(), nil
}

// decodeRows accepts either a JSON array of flat objects or an explicit
// {"columns": [...], "rows": [[...]]} document.
func decodeRows(raw []byte, maxRows int) (*RawResult, error) {
	var tabular struct {
		Columns []string `json:"columns"`
		Rows    [][]any  `json:"rows"`
	}
	if err := json.Unmarshal(raw, &tabular); err == nil && len(tabular.Columns) > 0 {
		result := &RawResult{Columns: tabular.Columns}
		for _, row := range tabular.Rows {
			if len(result.Rows) >= maxRows {
				result.Truncated = true
				break
			}
			cells := make([]string, len(tabular.Columns))
			for i := range tabular.Columns {
				if i < len(row) {
					cells[i] = fmt.Sprint(row[i])
				}
			}
			result.Rows = append(result.Rows, cells)
		}
		return result, nil
	}

	var objects []map[string]any
	if err := json.Unmarshal(raw, &objects); err != nil {
		return nil, fmt.Errorf("%w: undecodable response body", ErrSourceUnavailable)
	}
	result := &RawResult{}
	if len(objects) == 0 {
		return result, nil
	}

	for key := range objects[0] {
		result.Columns = append(result.Columns, key)
	}
	sort.Strings(result.Columns)

	for _, obj := range objects {
		if len(result.Rows) >= maxRows {
			result.Truncated = true
			break
		}
		cells := make([]string, len(result.Columns))
		for i, col := range result.Columns {
			if v, ok := obj[col]; ok && v != nil {
				cells[i] = fmt.Sprint(v)
			}
		}
		result.Rows = append(result.Rows, cells)
	}
	return result, nil
}
