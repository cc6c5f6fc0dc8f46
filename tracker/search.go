package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const searchPath = "/tor/js/loadSearchJSONbasic.php"

// audiobookCategory is the MAM main category for audiobooks.
const audiobookCategory = "13"

var nonWord = regexp.MustCompile(`[^\w]+`)

// Result is a single search hit.
type Result struct {
	ID       string
	DLHash   string
	Title    string
	Authors  []string
	Seeders  int
	Leechers int
	Peers    int
	Size     int64
	Language string
	Filetype string
	Free     bool
	VIP      bool
}

// Sanitize collapses everything but word characters into single spaces.
func Sanitize(query string) string {
	return strings.Join(strings.Fields(nonWord.ReplaceAllString(query, " ")), " ")
}

type searchBody struct {
	Tor     searchTor `json:"tor"`
	PerPage int       `json:"perpage"`
	DLLink  string    `json:"dlLink"`
}

type searchTor struct {
	Text        string   `json:"text"`
	SearchType  string   `json:"searchType"`
	SrchIn      []string `json:"srchIn"`
	SearchIn    string   `json:"searchIn"`
	SortType    string   `json:"sortType"`
	StartNumber string   `json:"startNumber"`
	MainCat     []string `json:"main_cat"`
}

type searchResponse struct {
	Error string           `json:"error"`
	Data  []map[string]any `json:"data"`
}

// Search runs a basic audiobook search. An empty result set is not an error.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	text := Sanitize(query)
	if text == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 40
	}

	payload, err := json.Marshal(searchBody{
		Tor: searchTor{
			Text:        text,
			SearchType:  "all",
			SrchIn:      []string{"title", "author", "narrator", "series"},
			SearchIn:    "torrents",
			SortType:    "default",
			StartNumber: "0",
			MainCat:     []string{audiobookCategory},
		},
		PerPage: limit,
		DLLink:  "1",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search: %w", err)
	}

	body, err := c.execute(func() ([]byte, error) {
		return c.postSearch(ctx, payload)
	})
	if err != nil {
		return nil, err
	}

	results, err := parseSearch(body)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Str("query", text).Int("results", len(results)).Msg("Tracker search complete")
	return results, nil
}

func (c *Client) postSearch(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.settings.BaseURL+searchPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.decorate(req, "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to search tracker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: search forbidden (check session id)", ErrAuthentication)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &SearchError{StatusCode: resp.StatusCode, Message: preview(string(body))}
	}
	return body, nil
}

// parseSearch decodes a search payload. Undecodable bodies are treated as an
// empty result.
func parseSearch(body []byte) ([]Result, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "Error") {
		return nil, &SearchError{Message: preview(trimmed)}
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil
	}
	if resp.Error != "" {
		if strings.HasPrefix(strings.ToLower(resp.Error), "nothing returned") {
			return nil, nil
		}
		return nil, &SearchError{Message: resp.Error}
	}

	results := make([]Result, 0, len(resp.Data))
	for _, item := range resp.Data {
		r := Result{
			ID:       firstString(item, "id", "tid", "tor_id", "torrent_id"),
			DLHash:   firstString(item, "dl", "dl_hash", "torrent_hash", "hash"),
			Title:    firstString(item, "title", "name", "torTitle", "tor_title"),
			Authors:  parseAuthors(item["author_info"]),
			Seeders:  int(firstInt(item, "seeders", "seed")),
			Leechers: int(firstInt(item, "leechers", "leeches", "leech")),
			Size:     firstInt(item, "size", "size_bytes", "bytes", "filesize"),
			Language: firstString(item, "lang_code", "language"),
			Filetype: firstString(item, "filetype"),
			Free:     firstBool(item, "free", "personal_freeleech"),
			VIP:      firstBool(item, "vip"),
		}
		if r.ID == "" {
			continue
		}
		r.Peers = r.Seeders + r.Leechers
		results = append(results, r)
	}
	return results, nil
}

// Best picks the strongest candidate: most seeders, then most peers, then smallest size.
func Best(results []Result) (Result, bool) {
	if len(results) == 0 {
		return Result{}, false
	}
	ranked := append([]Result(nil), results...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Seeders != b.Seeders {
			return a.Seeders > b.Seeders
		}
		if a.Peers != b.Peers {
			return a.Peers > b.Peers
		}
		return a.Size < b.Size
	})
	return ranked[0], true
}

func firstString(item map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := item[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func firstInt(item map[string]any, keys ...string) int64 {
	for _, key := range keys {
		switch v := item[key].(type) {
		case float64:
			return int64(v)
		case string:
			if n, ok := parseSize(v); ok {
				return n
			}
		}
	}
	return 0
}

func firstBool(item map[string]any, keys ...string) bool {
	for _, key := range keys {
		switch v := item[key].(type) {
		case bool:
			if v {
				return true
			}
		case float64:
			if v != 0 {
				return true
			}
		case string:
			if v == "1" || strings.EqualFold(v, "true") {
				return true
			}
		}
	}
	return false
}

var sizeUnits = map[string]float64{
	"b":   1,
	"kb":  1 << 10,
	"kib": 1 << 10,
	"mb":  1 << 20,
	"mib": 1 << 20,
	"gb":  1 << 30,
	"gib": 1 << 30,
	"tb":  1 << 40,
	"tib": 1 << 40,
}

// parseSize accepts plain integers and human sizes like "512.3 MiB".
func parseSize(s string) (int64, bool) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}

	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, false
	}
	value, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	unit, ok := sizeUnits[strings.ToLower(fields[1])]
	if !ok {
		return 0, false
	}
	return int64(value * unit), true
}

// parseAuthors decodes author_info, which MAM sends as a JSON string holding
// either a list of names or an id -> name object.
func parseAuthors(raw any) []string {
	s, ok := raw.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return nil
	}

	var list []string
	if err := json.Unmarshal([]byte(s), &list); err == nil {
		return compact(list)
	}

	var byID map[string]string
	if err := json.Unmarshal([]byte(s), &byID); err == nil {
		ids := make([]string, 0, len(byID))
		for id := range byID {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		names := make([]string, 0, len(ids))
		for _, id := range ids {
			names = append(names, byID[id])
		}
		return compact(names)
	}
	return nil
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
