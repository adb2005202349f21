// Package api implements the REST surface of the messaging subsystem:
// message creation (the attachment path and the socket-down fallback),
// conversation history, deletion, and the presence projection lookup.
// Persisted lifecycle changes are announced over NATS so the realtime server
// can rebroadcast them into the affected conversation rooms.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/pulse/social-app/internal/message"
	"github.com/pulse/social-app/internal/messaging"
	"github.com/pulse/social-app/internal/user"
)

// maxUploadBytes caps a multipart message upload (attachments included).
const maxUploadBytes = 20 << 20 // 20 MiB

// Publisher announces persisted message lifecycle changes. The NATS client
// satisfies it; tests substitute a fake. A nil Publisher disables
// announcements (history and status still work).
type Publisher interface {
	PublishMessageCreated(rec *message.Record) error
	PublishMessageDeleted(evt messaging.DeletedEvent) error
}

// Server holds the REST handlers and their dependencies.
type Server struct {
	store     message.Store
	users     user.Directory
	publisher Publisher
	uploadDir string
	router    *mux.Router
}

// NewServer creates the REST server. uploadDir is created if missing;
// attachment files land there and are served under /uploads/.
func NewServer(store message.Store, users user.Directory, publisher Publisher, uploadDir string) (*Server, error) {
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("api: create upload dir: %w", err)
	}

	s := &Server{
		store:     store,
		users:     users,
		publisher: publisher,
		uploadDir: uploadDir,
		router:    mux.NewRouter(),
	}

	s.router.HandleFunc("/api/messages", s.handleCreateMessage).Methods(http.MethodPost)
	s.router.HandleFunc("/api/messages/{senderID}/{receiverID}", s.handleHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/api/messages/{id}", s.handleDeleteMessage).Methods(http.MethodDelete)
	s.router.HandleFunc("/api/status/{userID}", s.handleStatus).Methods(http.MethodGet)
	s.router.PathPrefix("/uploads/").Handler(
		http.StripPrefix("/uploads/", http.FileServer(http.Dir(uploadDir))))
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleCreateMessage persists a message and announces it. JSON bodies carry
// text-only sends; multipart bodies additionally carry image and voice files,
// which are written to the upload directory before the record is created.
func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var draft message.Draft

	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case contentType == "multipart/form-data":
		var err error
		draft, err = s.parseMultipartDraft(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	default:
		var in struct {
			Sender   string `json:"sender"`
			Receiver string `json:"receiver"`
			Text     string `json:"text"`
			TempID   string `json:"temp_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		draft = message.Draft{
			Sender:   in.Sender,
			Receiver: in.Receiver,
			Text:     in.Text,
			TempID:   in.TempID,
		}
	}

	if err := draft.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := s.store.Create(r.Context(), draft)
	if err != nil {
		log.Printf("api: create message failed sender=%s: %v", draft.Sender, err)
		writeError(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	if s.publisher != nil {
		if err := s.publisher.PublishMessageCreated(rec); err != nil {
			// The message is persisted; the client still gets its record. The
			// realtime broadcast is lost until the peer refetches history.
			log.Printf("api: publish created %s: %v", rec.ID, err)
		}
	}

	writeJSON(w, http.StatusCreated, rec)
}

// parseMultipartDraft extracts the form fields and stores any image/voice
// file parts, returning a draft whose attachment fields point at the saved
// files.
func (s *Server) parseMultipartDraft(r *http.Request) (message.Draft, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return message.Draft{}, fmt.Errorf("invalid multipart body")
	}

	draft := message.Draft{
		Sender:   r.FormValue("sender"),
		Receiver: r.FormValue("receiver"),
		Text:     r.FormValue("text"),
		TempID:   r.FormValue("temp_id"),
	}

	for _, field := range []string{"image", "voice"} {
		file, header, err := r.FormFile(field)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		if err != nil {
			return message.Draft{}, fmt.Errorf("invalid %s upload", field)
		}

		path, err := s.saveUpload(file, header.Filename)
		file.Close()
		if err != nil {
			return message.Draft{}, err
		}

		if field == "image" {
			draft.Image = path
		} else {
			draft.Voice = path
		}
	}

	return draft, nil
}

// saveUpload writes an uploaded file under a random name, keeping only the
// original extension, and returns its public /uploads/ path.
func (s *Server) saveUpload(src io.Reader, original string) (string, error) {
	ext := strings.ToLower(filepath.Ext(original))
	name := uuid.New().String() + ext

	dst, err := os.Create(filepath.Join(s.uploadDir, name))
	if err != nil {
		return "", fmt.Errorf("failed to store upload")
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(dst.Name())
		return "", fmt.Errorf("failed to store upload")
	}

	return "/uploads/" + name, nil
}

// handleHistory returns the full conversation between two users, oldest
// first, plus the receiver's profile summary for the conversation header.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	senderID, receiverID := vars["senderID"], vars["receiverID"]

	receiver, err := s.users.FindByID(r.Context(), receiverID)
	if errors.Is(err, user.ErrNotFound) {
		writeError(w, http.StatusNotFound, "receiver not found")
		return
	}
	if err != nil {
		log.Printf("api: find receiver %s: %v", receiverID, err)
		writeError(w, http.StatusInternalServerError, "failed to load receiver")
		return
	}

	msgs, err := s.store.ListBetween(r.Context(), senderID, receiverID)
	if err != nil {
		log.Printf("api: history %s/%s: %v", senderID, receiverID, err)
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []message.Record{}
	}

	writeJSON(w, http.StatusOK, struct {
		Messages []message.Record `json:"messages"`
		Receiver *user.User       `json:"receiver"`
	}{msgs, receiver})
}

// handleDeleteMessage removes a persisted message, deletes its attachment
// files best effort, and announces the deletion.
func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rec, err := s.store.FindByID(r.Context(), id)
	if errors.Is(err, message.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		log.Printf("api: find message %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load message")
		return
	}

	if err := s.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, message.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		log.Printf("api: delete message %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to delete message")
		return
	}

	s.removeAttachments(rec)

	if s.publisher != nil {
		if err := s.publisher.PublishMessageDeleted(messaging.DeletedEvent{
			ID:       rec.ID,
			Sender:   rec.Sender,
			Receiver: rec.Receiver,
		}); err != nil {
			log.Printf("api: publish deleted %s: %v", rec.ID, err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// removeAttachments deletes the files referenced by a record. Failures are
// logged; the row is already gone and an orphaned file is harmless.
func (s *Server) removeAttachments(rec *message.Record) {
	for _, ref := range []string{rec.Image, rec.Voice} {
		if !strings.HasPrefix(ref, "/uploads/") {
			continue
		}
		path := filepath.Join(s.uploadDir, filepath.Base(ref))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("api: remove attachment %s: %v", path, err)
		}
	}
}

// handleStatus returns the presence projection for a user. The realtime
// server owns the live truth; this endpoint serves the persisted snapshot
// for profile views outside an open conversation.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	u, err := s.users.FindByID(r.Context(), userID)
	if errors.Is(err, user.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		log.Printf("api: find user %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}

	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
