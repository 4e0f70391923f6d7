package handlers

import (
	"context"
	"fmt"
	"html/template"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	secintel "github.com/Nishant891/sec-intel"
	"github.com/Nishant891/sec-intel/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Analyst represents the remote filings analysis service. Ask accepts a context and a question,
// returning an iterator that yields answer chunks and potential errors; Metadata fetches the
// service's static coverage description.
type Analyst interface {
	Ask(ctx context.Context, query string) iter.Seq2[string, error]
	Metadata(ctx context.Context) (models.Metadata, error)
}

// Store defines the interface for managing chat and message persistence. It provides methods for
// creating, reading, and updating chats and their associated messages. The interface supports both
// atomic operations and bulk retrieval of chats and messages.
type Store interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) (string, error)
	UpdateChat(ctx context.Context, chat models.Chat) error

	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	AddMessage(ctx context.Context, chatID string, message models.Message) (string, error)
	UpdateMessage(ctx context.Context, chatID string, message models.Message) error
}

// Main handles the core functionality of the chat application, managing server-sent events,
// HTML templates, and interactions between the analysis service and the Store.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	analyst Analyst
	store   Store

	meta *metadataCache
	runs *runManager

	logger *slog.Logger
}

const (
	chatsSSETopic = "chats"

	errLoggerKey = "err"
)

// NewMain creates a new Main instance with the provided Analyst and Store implementations. It
// initializes the SSE server with default configurations and parses the required HTML templates
// from the embedded filesystem. The SSE server is configured to handle both default events and
// chat-specific topics.
func NewMain(analyst Analyst, store Store, logger *slog.Logger) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		secintel.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				// We start with default topics that all clients should subscribe to
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				// We create a message-specific topic if the client requests updates for a particular message
				messageID := s.Req.URL.Query().Get("message_id")
				if messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates: tmpl,
		analyst:   analyst,
		store:     store,
		meta:      &metadataCache{},
		runs:      &runManager{},
		logger:    logger.With(slog.String("module", "handlers")),
	}, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// HandleSSE hands the request over to the SSE server, which keeps the connection open and delivers
// events for the topics the session subscribed to.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// FetchMetadata loads the coverage metadata from the analysis service for display. It is meant to
// be fired once at startup in its own goroutine: on failure it logs the error and leaves the
// metadata unset, so the home page omits the coverage panel. It never retries.
func (m Main) FetchMetadata(ctx context.Context) {
	meta, err := m.analyst.Metadata(ctx)
	if err != nil {
		m.logger.Warn("Failed to fetch service metadata", slog.String(errLoggerKey, err.Error()))
		return
	}
	m.meta.set(meta)
}

// Shutdown gracefully terminates the Main instance's SSE server. It broadcasts a close message to all
// connected clients and waits up to 5 seconds for connections to terminate. After the timeout, any
// remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// metadataCache holds the coverage metadata once FetchMetadata succeeds. The display layer reads
// it through get, which returns nil until then.
type metadataCache struct {
	mu   sync.RWMutex
	meta *models.Metadata
}

func (c *metadataCache) set(meta models.Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta = &meta
}

func (c *metadataCache) get() *models.Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta
}
