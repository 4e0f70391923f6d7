package handlers

import (
	"log/slog"
	"net/http"

	"github.com/Nishant891/sec-intel/internal/models"
)

type homePageData struct {
	CurrentChatID string
	Chats         []chat
	Messages      []message

	// Metadata is nil until the startup fetch succeeds; the template skips the coverage panel then.
	Metadata *models.Metadata
}

// HandleHome renders the chat page: the list of past chats, the messages of the selected chat, and
// the coverage panel describing what the analysis service knows about. The chat to display is
// selected with the chat_id query parameter; without one, only the sidebar and an empty chatbox
// are shown.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")

	chats, err := m.store.Chats(r.Context())
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	chatViews := make([]chat, len(chats))
	for i, ch := range chats {
		chatViews[i] = chat{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == chatID,
		}
	}

	var msgs []message
	if chatID != "" {
		messages, err := m.store.Messages(r.Context(), chatID)
		if err != nil {
			m.logger.Error("Failed to get messages",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		msgs = make([]message, len(messages))
		for i := range messages {
			msgs[i] = viewMessage(messages[i])
		}
	}

	data := homePageData{
		CurrentChatID: chatID,
		Chats:         chatViews,
		Messages:      msgs,
		Metadata:      m.meta.get(),
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
