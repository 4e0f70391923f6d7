package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Nishant891/sec-intel/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Insight is a client for the filings analysis service. It submits natural-language questions to
// the service's query endpoint and consumes the answer as a stream of server-sent events, and it
// fetches the static coverage metadata the service exposes for display.
type Insight struct {
	baseURL string

	client *http.Client

	logger *slog.Logger
}

type queryRequest struct {
	Query string `json:"query"`
}

// streamPayload is the JSON carried by a single data record of the answer stream. Exactly one of
// the fields is meaningful per record: Content for an incremental chunk, Done for a successful
// terminal record, Error for a terminal failure.
type streamPayload struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
	Error   string `json:"error"`
}

// doneSentinel is the bare data value some upstream deployments emit instead of a done payload.
// Both forms terminate the stream successfully.
const doneSentinel = "[DONE]"

// NewInsight creates a new Insight client for the service reachable at baseURL. It initializes an
// HTTP client for API communication and returns a configured Insight instance ready for queries.
func NewInsight(baseURL string, logger *slog.Logger) Insight {
	return Insight{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "insight")),
	}
}

// Ask streams the answer to a question from the analysis service. It returns an iterator that
// yields answer chunks in arrival order; chunks are meant to be concatenated verbatim. A
// models.AnalysisError is yielded when the service reports a failure inside the stream, any other
// non-nil error is a transport-level failure. Cancellation of ctx ends the iteration silently, and
// a malformed stream record is skipped rather than treated as fatal.
func (c Insight) Ask(ctx context.Context, query string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		jsonBody, err := json.Marshal(queryRequest{Query: query})
		if err != nil {
			yield("", fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/query", bytes.NewReader(jsonBody))
		if err != nil {
			yield("", fmt.Errorf("error creating request: %w", err))
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			yield("", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body)))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}

			if ev.Data == doneSentinel {
				return
			}

			var payload streamPayload
			if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
				c.logger.Warn("Skipping malformed stream record",
					slog.String("data", ev.Data),
					slog.String("err", err.Error()))
				continue
			}

			if payload.Error != "" {
				yield("", &models.AnalysisError{Message: payload.Error})
				return
			}
			if payload.Done {
				return
			}
			if payload.Content == "" {
				continue
			}
			if !yield(payload.Content, nil) {
				return
			}
		}
	}
}

// Metadata fetches the coverage metadata of the analysis service: supported companies, indexed
// filing types, and the covered time period. It is a one-shot request with no retries; callers
// are expected to tolerate failure.
func (c Insight) Metadata(ctx context.Context) (models.Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/metadata", nil)
	if err != nil {
		return models.Metadata{}, fmt.Errorf("error creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return models.Metadata{}, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.Metadata{}, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	var meta models.Metadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return models.Metadata{}, fmt.Errorf("error decoding response: %w", err)
	}

	return meta, nil
}
