package app

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"sigpad/cmd/internal/capture"
	"sigpad/cmd/internal/connection"
	"sigpad/cmd/internal/display"
	"sigpad/cmd/internal/fault"
	"sigpad/cmd/internal/workflow"
)

const (
	maxCodeBody      = 1 << 10
	maxSignatureBody = 2 << 20
	maxPhotoBody     = 12 << 20
	maxPhotoMemory   = 4 << 20
)

// stateResponse is the polled kiosk state served at GET /v1/state.
type stateResponse struct {
	Registered bool               `json:"registered"`
	Disabled   string             `json:"disabled,omitempty"`
	PadID      string             `json:"pad_id,omitempty"`
	PadLabel   string             `json:"pad_label,omitempty"`
	Workflow   *workflowState     `json:"workflow,omitempty"`
	Display    display.BoardState `json:"display"`
}

type workflowState struct {
	State      string           `json:"state"`
	Connection string           `json:"connection"`
	SessionID  string           `json:"session_id,omitempty"`
	Subject    string           `json:"subject,omitempty"`
	Photos     *workflow.Photos `json:"photos,omitempty"`
	Pending    string           `json:"pending,omitempty"`
}

type codeRequest struct {
	Code string `json:"code"`
}

// signatureRequest carries the drawn signature; png and svg are base64 in JSON.
type signatureRequest struct {
	PNG     []byte `json:"png"`
	SVG     []byte `json:"svg"`
	Strokes int    `json:"strokes"`
}

type accepted struct {
	Status string `json:"status"`
}

func registerHTTP(mux *http.ServeMux, a *App) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !a.Registered() {
			http.Error(w, "device unregistered", http.StatusServiceUnavailable)
			return
		}
		if a.disabled != nil {
			http.Error(w, "signing key unavailable", http.StatusServiceUnavailable)
			return
		}
		if st := a.conn.Status(); st != connection.Connected {
			http.Error(w, "channel "+st.String(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", a.metrics.Handler())

	mux.HandleFunc("GET /v1/state", a.handleState)
	mux.HandleFunc("POST /v1/notice/dismiss", a.handleDismiss)
	mux.HandleFunc("POST /v1/code", a.withFlow(a.handleCode))
	mux.HandleFunc("POST /v1/photo/{side}", a.withFlow(a.handlePhoto))
	mux.HandleFunc("POST /v1/signature", a.withFlow(a.handleSignature))
	mux.HandleFunc("POST /v1/signature/clear", a.withFlow(func(w http.ResponseWriter, _ *http.Request) {
		a.flow.ClearSignature()
		writeJSON(w, http.StatusAccepted, accepted{Status: "queued"})
	}))
	mux.HandleFunc("POST /v1/cancel", a.withFlow(func(w http.ResponseWriter, _ *http.Request) {
		a.flow.Cancel()
		writeJSON(w, http.StatusAccepted, accepted{Status: "queued"})
	}))
	mux.HandleFunc("POST /v1/home", a.withFlow(func(w http.ResponseWriter, _ *http.Request) {
		a.flow.Home()
		writeJSON(w, http.StatusAccepted, accepted{Status: "queued"})
	}))
}

// withFlow refuses capture actions while the pad is unregistered or disabled.
func (a *App) withFlow(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.Registered() {
			writeError(w, http.StatusConflict, "unregistered", "device is not registered")
			return
		}
		if a.disabled != nil {
			writeError(w, http.StatusConflict, "disabled", "device cannot sign captures")
			return
		}
		next(w, r)
	}
}

func (a *App) handleState(w http.ResponseWriter, _ *http.Request) {
	out := stateResponse{
		Registered: a.Registered(),
		Display:    a.board.Snapshot(),
	}
	if a.disabled != nil {
		out.Disabled = fault.Message(a.disabled)
	}
	if a.Registered() {
		out.PadID = a.device.PadID
		out.PadLabel = a.device.PadLabel
	}
	if a.active() {
		st := a.flow.Status()
		ws := &workflowState{
			State:      st.State.String(),
			Connection: st.Connection.String(),
		}
		if st.Session != nil {
			ws.SessionID = st.Session.ID
			ws.Subject = st.Session.Subject.String()
			photos := st.Session.Photos
			ws.Photos = &photos
		}
		if st.Pending != nil {
			ws.Pending = st.Pending.String()
		}
		out.Workflow = ws
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleDismiss(w http.ResponseWriter, _ *http.Request) {
	if err := a.board.Dismiss(); err != nil {
		writeError(w, http.StatusConflict, "notice_permanent", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, accepted{Status: "dismissed"})
}

func (a *App) handleCode(w http.ResponseWriter, r *http.Request) {
	if !a.codes.Allow() {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "code entered too quickly")
		return
	}

	var req codeRequest
	if err := decodeJSON(w, r, maxCodeBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	switch err := a.flow.EnterCode(req.Code); {
	case err == nil:
		writeJSON(w, http.StatusAccepted, accepted{Status: "queued"})
	case fault.IsValidation(err):
		writeError(w, http.StatusBadRequest, "invalid_code", fault.Message(err))
	case fault.IsConfiguration(err):
		writeError(w, http.StatusConflict, "disabled", fault.Message(err))
	case errors.Is(err, workflow.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "stopped", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (a *App) handlePhoto(w http.ResponseWriter, r *http.Request) {
	side, err := capture.ParseSide(r.PathValue("side"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_side", err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPhotoBody)
	if err := r.ParseMultipartForm(maxPhotoMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_form", err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_file", err.Error())
		return
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_file", err.Error())
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty_file", fmt.Sprintf("%s photo is empty", side))
		return
	}

	a.flow.UploadPhoto(side, capture.Photo{
		Filename:    hdr.Filename,
		ContentType: hdr.Header.Get("Content-Type"),
		Data:        data,
	})
	writeJSON(w, http.StatusAccepted, accepted{Status: "queued"})
}

func (a *App) handleSignature(w http.ResponseWriter, r *http.Request) {
	var req signatureRequest
	if err := decodeJSON(w, r, maxSignatureBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	a.flow.Confirm(capture.Signature{PNG: req.PNG, SVG: req.SVG, Strokes: req.Strokes})
	writeJSON(w, http.StatusAccepted, accepted{Status: "queued"})
}
