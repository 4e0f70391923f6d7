package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Nishant891/sec-intel/internal/models"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type chat struct {
	ID    string
	Title string

	Active bool
}

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time

	StreamingState string
}

// SSE event types for real-time updates.
var (
	chatsSSEType    = sse.Type("chats")
	messagesSSEType = sse.Type("messages")
)

// failureNotice replaces the answer when the stream fails at the transport level. Details go to
// the log, not to the user.
const failureNotice = "Something went wrong while contacting the analysis service. Please try again."

// HandleChats processes question submissions through HTTP POST requests, managing both new chat
// creation and follow-up questions in an existing chat.
//
// The handler expects a "message" form field and an optional "chat_id" field. A submission that is
// empty after trimming is a no-op: no request is made, no state changes, and the handler responds
// 204. Otherwise any in-flight answer stream is cancelled first, so the newest submission always
// owns the UI, and a fresh stream is started against the analysis service.
//
// The function returns appropriate HTTP error responses for invalid methods or internal processing
// errors. For successful requests, it renders either a complete chatbox template for new chats or
// individual message templates for existing chats; the answer itself arrives asynchronously over
// Server-Sent Events.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := strings.TrimSpace(r.FormValue("message"))
	if query == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var err error

	chatID := r.FormValue("chat_id")
	// We track if this is a new chat to determine the appropriate template rendering strategy
	isNewChat := false
	if chatID == "" {
		chatID, err = m.newChat(query)
		if err != nil {
			m.logger.Error("Failed to create new chat", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		isNewChat = true
	}

	// We create two messages: the user's question and a placeholder the answer streams into
	um := models.Message{
		ID:             uuid.New().String(),
		Role:           models.RoleUser,
		Content:        query,
		Timestamp:      time.Now(),
		StreamingState: models.StreamingStateEnded,
	}
	userMsgID, err := m.store.AddMessage(r.Context(), chatID, um)
	if err != nil {
		m.logger.Error("Failed to add user message",
			slog.String("message", fmt.Sprintf("%+v", um)),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	um.ID = userMsgID

	am := models.Message{
		ID:             uuid.New().String(),
		Role:           models.RoleAssistant,
		Timestamp:      time.Now(),
		StreamingState: models.StreamingStateLoading,
	}
	aiMsgID, err := m.store.AddMessage(r.Context(), chatID, am)
	if err != nil {
		m.logger.Error("Failed to add answer placeholder",
			slog.String("message", fmt.Sprintf("%+v", am)),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	am.ID = aiMsgID

	// Superseding the previous run here is what guarantees "last submit wins": the old stream's
	// context is cancelled and its generation token goes stale before the new consumer starts.
	gen, ctx := m.runs.next()
	go m.ask(ctx, gen, chatID, query, am)

	if isNewChat {
		messages, err := m.store.Messages(r.Context(), chatID)
		if err != nil {
			m.logger.Error("Failed to get messages",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		msgs := make([]message, len(messages))
		for i := range messages {
			msgs[i] = viewMessage(messages[i])
		}

		data := homePageData{
			CurrentChatID: chatID,
			Messages:      msgs,
			Metadata:      m.meta.get(),
		}
		if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	if err := m.templates.ExecuteTemplate(w, "user_message", viewMessage(um)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "ai_message", viewMessage(am)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func viewMessage(msg models.Message) message {
	return message{
		ID:             msg.ID,
		Role:           string(msg.Role),
		Content:        template.HTML(models.RenderMarkdown(msg.Content)),
		Timestamp:      msg.Timestamp,
		StreamingState: msg.StreamingState,
	}
}

func (m Main) newChat(query string) (string, error) {
	newChat := models.Chat{
		ID:    uuid.New().String(),
		Title: chatTitle(query),
	}
	newChatID, err := m.store.AddChat(context.Background(), newChat)
	if err != nil {
		return "", fmt.Errorf("failed to add chat: %w", err)
	}
	newChat.ID = newChatID

	divs, err := m.chatDivs(newChat.ID)
	if err != nil {
		return "", fmt.Errorf("failed to create chat divs: %w", err)
	}

	msg := sse.Message{
		Type: chatsSSEType,
	}
	msg.AppendData(divs)

	if err := m.sseSrv.Publish(&msg, chatsSSETopic); err != nil {
		return "", fmt.Errorf("failed to publish chats: %w", err)
	}

	return newChat.ID, nil
}

// chatTitle derives a sidebar label from the question itself.
func chatTitle(query string) string {
	const maxTitleLen = 64
	runes := []rune(query)
	if len(runes) <= maxTitleLen {
		return query
	}
	return string(runes[:maxTitleLen]) + "…"
}

// ask consumes the answer stream for a single submission. It owns the answer accumulator (the
// assistant message content) and its streaming state for the lifetime of the run, and it checks
// its generation token before every mutation: once a newer submission takes over, nothing from
// this run may reach the store or the SSE clients.
func (m Main) ask(ctx context.Context, gen uint64, chatID, query string, aiMsg models.Message) {
	defer m.runs.release(gen)
	// Tell SSE clients following this message to close once the stream settles, unless a newer
	// run owns the UI by then.
	defer func() {
		if !m.runs.current(gen) {
			return
		}
		e := &sse.Message{Type: sse.Type("closeMessage")}
		e.AppendData("bye")
		_ = m.sseSrv.Publish(e, messageIDTopic(aiMsg.ID))
	}()

	for chunk, err := range m.analyst.Ask(ctx, query) {
		if !m.runs.current(gen) {
			return
		}

		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}

			var analysisErr *models.AnalysisError
			if errors.As(err, &analysisErr) {
				// The service reported the failure itself; surface its message inline after
				// whatever content already arrived.
				aiMsg.Content += fmt.Sprintf("\n\n**Error:** %s", analysisErr.Message)
			} else {
				m.logger.Error("Answer stream failed",
					slog.String("chatID", chatID),
					slog.String(errLoggerKey, err.Error()))
				aiMsg.Content = failureNotice
			}
			m.settleMessage(gen, chatID, aiMsg)
			return
		}

		aiMsg.Content += chunk
		if err := m.store.UpdateMessage(context.Background(), chatID, aiMsg); err != nil {
			m.logger.Error("Failed to update message",
				slog.String("message", fmt.Sprintf("%+v", aiMsg)),
				slog.String(errLoggerKey, err.Error()))
			return
		}
		m.publishMessage(aiMsg)
	}

	if !m.runs.current(gen) {
		return
	}
	m.settleMessage(gen, chatID, aiMsg)
}

// settleMessage marks the answer final, persists it, and pushes the last render to SSE clients.
func (m Main) settleMessage(gen uint64, chatID string, aiMsg models.Message) {
	if !m.runs.current(gen) {
		return
	}

	aiMsg.StreamingState = models.StreamingStateEnded
	if err := m.store.UpdateMessage(context.Background(), chatID, aiMsg); err != nil {
		m.logger.Error("Failed to update message",
			slog.String("message", fmt.Sprintf("%+v", aiMsg)),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	m.publishMessage(aiMsg)
}

func (m Main) publishMessage(msg models.Message) {
	e := sse.Message{
		Type: messagesSSEType,
	}
	e.AppendData(models.RenderMarkdown(msg.Content))
	if err := m.sseSrv.Publish(&e, messageIDTopic(msg.ID)); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) chatDivs(activeID string) (string, error) {
	chats, err := m.store.Chats(context.Background())
	if err != nil {
		return "", fmt.Errorf("failed to get chats: %w", err)
	}

	var sb strings.Builder
	for _, ch := range chats {
		err := m.templates.ExecuteTemplate(&sb, "chat_title", chat{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute chat_title template: %w", err)
		}
	}
	return sb.String(), nil
}
