// Package padsim is a development stand-in for the pad's server. It speaks
// the same wire contract as production: the capability HTTP surface, the
// WebSocket channel with heartbeat frames, and an admin surface an operator
// (or a test) uses to push events to connected pads.
package padsim

import (
	"crypto"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"sigpad/cmd/internal/identity"
	"sigpad/cmd/internal/signing"
	v1 "sigpad/shared/contracts/pad/v1"
)

const (
	maxTokenBytes  = 4 << 20
	maxPhotoBytes  = 12 << 20
	maxCancelBytes = 4 << 10
)

// Config tunes the simulator.
type Config struct {
	// HeartbeatEvery spaces heartbeat frames; zero means 10s, negative disables them.
	HeartbeatEvery time.Duration
	// RejectSignatures, when non-empty, is returned with HTTP 500 for every submission.
	RejectSignatures string
	// VerifyKey, when set, rejects submissions whose token does not verify.
	VerifyKey crypto.PublicKey
}

// Submission is one received signature token.
type Submission struct {
	PadID     string    `json:"pad_id"`
	SubjectID string    `json:"subject_id,omitempty"`
	Verified  bool      `json:"verified"`
	At        time.Time `json:"at"`
	Token     string    `json:"-"`
}

// Upload is one received ID card photo.
type Upload struct {
	PadID     string `json:"pad_id"`
	Card      string `json:"card,omitempty"`
	SubjectID string `json:"subject_id,omitempty"`
	Side      string `json:"side"`
	Bytes     int    `json:"bytes"`
}

// Cancellation is one received cancel notification.
type Cancellation struct {
	PadID     string `json:"pad_id"`
	SubjectID string `json:"subjectId"`
	Timestamp int64  `json:"timestamp"`
}

// Server is the simulator.
type Server struct {
	cfg Config
	log *slog.Logger
	dir *Directory
	hub *Hub
	ws  *Gateway

	mu      sync.Mutex
	submits []Submission
	uploads []Upload
	cancels []Cancellation
}

// NewServer constructs a simulator over dir.
func NewServer(cfg Config, dir *Directory, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if dir == nil {
		dir = NewDirectory()
	}
	if cfg.HeartbeatEvery == 0 {
		cfg.HeartbeatEvery = defaultHeartbeatEvery
	}
	hub := NewHub(log)
	return &Server{
		cfg: cfg,
		log: log,
		dir: dir,
		hub: hub,
		ws:  NewGateway(log, hub, cfg.HeartbeatEvery),
	}
}

// Hub exposes the connected pads.
func (s *Server) Hub() *Hub { return s.hub }

// Handler serves /ws, the capability surface under /api/v1 and the admin surface under /admin.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.ws)

	mux.HandleFunc("GET /api/v1/userinfo", s.requirePad(s.handleUserInfo))
	mux.HandleFunc("POST /api/v1/signature-pad/photo", s.requirePad(s.handlePhoto))
	mux.HandleFunc("POST /api/v1/signature-pad/signature", s.requirePad(s.handleSignature))
	mux.HandleFunc("POST /api/v1/signature-pad/cancel", s.requirePad(s.handleCancel))

	mux.HandleFunc("GET /admin/pads", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.hub.Connected())
	})
	mux.HandleFunc("POST /admin/pads/{pad}/{event}", s.handlePush)
	mux.HandleFunc("GET /admin/submissions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Submissions())
	})
	return mux
}

// Submissions returns a copy of every received token record.
func (s *Server) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.submits...)
}

// Uploads returns a copy of every received photo record.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

// Cancellations returns a copy of every received cancel record.
func (s *Server) Cancellations() []Cancellation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Cancellation(nil), s.cancels...)
}

type padHandler func(w http.ResponseWriter, r *http.Request, padID string)

func (s *Server) requirePad(next padHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		padID := strings.TrimSpace(r.Header.Get(v1.PadUUIDHeader))
		if padID == "" {
			http.Error(w, "missing pad uuid", http.StatusUnauthorized)
			return
		}
		next(w, r, padID)
	}
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request, _ string) {
	q := r.URL.Query()
	var (
		id identity.Identity
		ok bool
	)
	switch {
	case q.Has(identity.RefSubjectID.String()):
		id, ok = s.dir.Lookup(identity.RefSubjectID.String(), q.Get(identity.RefSubjectID.String()))
	case q.Has(identity.RefCardCode.String()):
		id, ok = s.dir.Lookup(identity.RefCardCode.String(), q.Get(identity.RefCardCode.String()))
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (s *Server) handlePhoto(w http.ResponseWriter, r *http.Request, padID string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPhotoBytes)
	if err := r.ParseMultipartForm(maxPhotoBytes); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	f, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	defer func() { _ = f.Close() }()
	n, _ := io.Copy(io.Discard, f)

	up := Upload{
		PadID:     padID,
		Card:      r.FormValue("cardNumber"),
		SubjectID: r.FormValue("subjectId"),
		Side:      r.FormValue("side"),
		Bytes:     int(n),
	}
	if up.Card == "" && up.SubjectID == "" {
		http.Error(w, "missing card number or subject id", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.uploads = append(s.uploads, up)
	s.mu.Unlock()

	s.log.Info("padsim.photo", "pad_id", padID, "card", up.Card, "subject_id", up.SubjectID, "side", up.Side, "bytes", n)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSignature(w http.ResponseWriter, r *http.Request, padID string) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxTokenBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	token := strings.TrimSpace(string(b))

	if s.cfg.RejectSignatures != "" {
		s.log.Info("padsim.signature.rejected", "pad_id", padID)
		http.Error(w, s.cfg.RejectSignatures, http.StatusInternalServerError)
		return
	}

	sub := Submission{PadID: padID, At: time.Now().UTC(), Token: token}
	if s.cfg.VerifyKey != nil {
		a, err := signing.Verify(token, s.cfg.VerifyKey, "")
		if err != nil {
			s.log.Warn("padsim.signature.invalid", "pad_id", padID, "err", err)
			http.Error(w, "invalid signature token", http.StatusBadRequest)
			return
		}
		sub.SubjectID = a.SubjectID
		sub.Verified = true
	}

	s.mu.Lock()
	s.submits = append(s.submits, sub)
	s.mu.Unlock()

	s.log.Info("padsim.signature", "pad_id", padID, "subject", sub.SubjectID, "verified", sub.Verified)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, padID string) {
	var c Cancellation
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCancelBytes)).Decode(&c); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	c.PadID = padID

	s.mu.Lock()
	s.cancels = append(s.cancels, c)
	s.mu.Unlock()

	s.log.Info("padsim.cancel", "pad_id", padID, "subject", c.SubjectID)
	w.WriteHeader(http.StatusOK)
}

// handlePush sends one event to a connected pad: show, hide, remove, clear, error or kick.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	padID := r.PathValue("pad")
	event := r.PathValue("event")
	msg := r.URL.Query().Get("message")

	if event == "kick" {
		if s.hub.Kick(padID) == 0 {
			http.Error(w, "pad not connected", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	f := v1.NewFrame(event, msg, time.Now())
	if err := f.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.hub.Push(padID, f) == 0 {
		http.Error(w, "pad not connected", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
