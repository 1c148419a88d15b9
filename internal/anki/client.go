// Package anki talks to a local AnkiConnect endpoint. It is both the card
// source (findCards + cardsInfo) and the media host (retrieveMediaFile)
// for the sync pipeline. Base64 transport encoding is decoded here at the
// I/O edge; nothing above this package ever sees base64.
package anki

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultURL is the standard AnkiConnect listen address.
const DefaultURL = "http://localhost:8765"

// connectVersion is the AnkiConnect protocol version this client speaks.
const connectVersion = 6

// Field is one raw field on a remote card. Value may contain HTML markup
// or [sound:...] wrappers; normalization happens in the sync layer.
type Field struct {
	Value string `json:"value"`
	Order int    `json:"order"`
}

// RemoteCard is one card as reported by cardsInfo.
type RemoteCard struct {
	CardID int64            `json:"cardId"`
	Fields map[string]Field `json:"fields"`
}

// Client is an AnkiConnect HTTP client.
type Client struct {
	url  string
	http *http.Client
}

// NewClient creates a client for the given AnkiConnect URL.
func NewClient(url string) *Client {
	if url == "" {
		url = DefaultURL
	}
	return &Client{
		url:  url,
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

type connectRequest struct {
	Action  string `json:"action"`
	Version int    `json:"version,omitempty"`
	Params  any    `json:"params,omitempty"`
}

type connectResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`
}

func (c *Client) invoke(ctx context.Context, action string, params any, result any) error {
	body, err := json.Marshal(connectRequest{Action: action, Version: connectVersion, Params: params})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s request returned status %d", action, resp.StatusCode)
	}

	var wrapped connectResponse
	if err := json.NewDecoder(resp.Body).Decode(&wrapped); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", action, err)
	}
	if wrapped.Error != nil {
		return fmt.Errorf("%s returned error: %s", action, *wrapped.Error)
	}
	if result != nil {
		if err := json.Unmarshal(wrapped.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", action, err)
		}
	}
	return nil
}

// DeckNames lists all decks known to the origin.
func (c *Client) DeckNames(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.invoke(ctx, "deckNames", nil, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// FetchDeckCards returns every card in the named deck with its raw field
// values. An empty deck yields an empty slice, not an error.
func (c *Client) FetchDeckCards(ctx context.Context, deckName string) ([]RemoteCard, error) {
	var cardIDs []int64
	query := fmt.Sprintf("deck:%q", deckName)
	if err := c.invoke(ctx, "findCards", map[string]any{"query": query}, &cardIDs); err != nil {
		return nil, err
	}
	if len(cardIDs) == 0 {
		return []RemoteCard{}, nil
	}

	var cards []RemoteCard
	if err := c.invoke(ctx, "cardsInfo", map[string]any{"cards": cardIDs}, &cards); err != nil {
		return nil, err
	}
	return cards, nil
}

// FetchMediaBatch resolves many filenames in one round trip via the multi
// action. Filenames the host cannot resolve are simply absent from the
// result map; only total transport failure returns an error.
func (c *Client) FetchMediaBatch(ctx context.Context, filenames []string) (map[string][]byte, error) {
	media := make(map[string][]byte)
	if len(filenames) == 0 {
		return media, nil
	}

	actions := make([]connectRequest, len(filenames))
	for i, filename := range filenames {
		actions[i] = connectRequest{
			Action: "retrieveMediaFile",
			Params: map[string]any{"filename": filename},
		}
	}

	// The multi result is one entry per action, in order: a base64 string
	// on success, false when the file does not exist.
	var results []any
	if err := c.invoke(ctx, "multi", map[string]any{"actions": actions}, &results); err != nil {
		return nil, err
	}
	if len(results) != len(filenames) {
		return nil, fmt.Errorf("multi returned %d results for %d filenames", len(results), len(filenames))
	}

	for i, result := range results {
		encoded, ok := result.(string)
		if !ok || encoded == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		media[filenames[i]] = data
	}
	return media, nil
}

// FetchMedia resolves a single filename, returning nil bytes when the host
// does not have it.
func (c *Client) FetchMedia(ctx context.Context, filename string) ([]byte, error) {
	batch, err := c.FetchMediaBatch(ctx, []string{filename})
	if err != nil {
		return nil, err
	}
	return batch[filename], nil
}
