// Package jpdb talks to the jpdb.io parse API, resolving source-language
// text into the vocabulary IDs it contains.
package jpdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felix-ops/jpdb-media-sync/internal/fieldtext"
)

// DefaultBaseURL is the public jpdb API endpoint.
const DefaultBaseURL = "https://jpdb.io"

// maxTextsPerRequest is the parse API's batch limit.
const maxTextsPerRequest = 100

// Client is a jpdb parse API client. The zero value is not usable; use
// NewClient.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a client for the given endpoint. An empty apiKey is
// allowed: every call then short-circuits to empty results without any
// network I/O.
func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type parseRequest struct {
	Text                   []string `json:"text"`
	TokenFields            []string `json:"token_fields"`
	PositionLengthEncoding string   `json:"position_length_encoding"`
	VocabularyFields       []string `json:"vocabulary_fields"`
}

type parseResponse struct {
	// Tokens holds, per input text, a list of tokens; with token_fields
	// ["vocabulary_index"] each token is a one-element array holding an
	// index into Vocabulary.
	Tokens [][][]int64 `json:"tokens"`
	// Vocabulary entries expose the vocabulary ID as their first field.
	Vocabulary [][]int64 `json:"vocabulary"`
}

// ResolveVocabIDs resolves each text to the set of vocabulary IDs it
// contains. The result always has the same length and order as texts.
// Inputs are chunked to the API's 100-text limit; a chunk that fails for
// any reason resolves to empty sets rather than failing the whole call.
func (c *Client) ResolveVocabIDs(ctx context.Context, texts []string) [][]string {
	results := make([][]string, 0, len(texts))
	if len(texts) == 0 {
		return results
	}
	if c.apiKey == "" {
		for range texts {
			results = append(results, []string{})
		}
		return results
	}

	for _, chunk := range fieldtext.Chunk(texts, maxTextsPerRequest) {
		vids, err := c.parseChunk(ctx, chunk)
		if err != nil {
			slog.Warn("jpdb parse chunk failed, resolving to empty sets",
				"texts", len(chunk), "error", err)
			vids = make([][]string, len(chunk))
			for i := range vids {
				vids[i] = []string{}
			}
		}
		results = append(results, vids...)
	}
	return results
}

func (c *Client) parseChunk(ctx context.Context, texts []string) ([][]string, error) {
	body, err := json.Marshal(parseRequest{
		Text:                   texts,
		TokenFields:            []string{"vocabulary_index"},
		PositionLengthEncoding: "utf16",
		VocabularyFields:       []string{"vid"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode parse request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/parse", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build parse request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("parse request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("parse request returned status %d", resp.StatusCode)
	}

	var parsed parseResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode parse response: %w", err)
	}
	if len(parsed.Tokens) != len(texts) {
		return nil, fmt.Errorf("parse response has %d token lists for %d texts", len(parsed.Tokens), len(texts))
	}

	results := make([][]string, len(texts))
	for i, tokenList := range parsed.Tokens {
		vids := []string{}
		seen := make(map[string]bool)
		for _, token := range tokenList {
			if len(token) == 0 {
				continue
			}
			idx := token[0]
			if idx < 0 || idx >= int64(len(parsed.Vocabulary)) || len(parsed.Vocabulary[idx]) == 0 {
				continue
			}
			vid := strconv.FormatInt(parsed.Vocabulary[idx][0], 10)
			if !seen[vid] {
				seen[vid] = true
				vids = append(vids, vid)
			}
		}
		results[i] = vids
	}
	return results, nil
}
