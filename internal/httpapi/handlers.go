package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/content"
	"broadcastd/internal/gateway"
	"broadcastd/internal/storage"
	logx "broadcastd/pkg/logx"
)

// startRequest is the JSON form of POST /api/broadcasts.
//
// Recipients may be a list, a free-text blob (newline/comma/semicolon
// separated) or both. Image data is base64.
type startRequest struct {
	Recipients     []string      `json:"recipients"`
	RecipientsText string        `json:"recipients_text"`
	Message        string        `json:"message"`
	AccessToken    string        `json:"access_token"`
	PhoneNumberID  string        `json:"phone_number_id"`
	Image          *imagePayload `json:"image,omitempty"`
}

type imagePayload struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// multipartMemory is kept in memory; larger uploads spill to temp files.
const multipartMemory = 32 << 20

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := a.svc.Snapshot()
	out := map[string]any{
		"status":     "ok",
		"uptime":     time.Since(a.startedAt).Round(time.Second).String(),
		"run_status": snap.Status,
		"storage":    a.audit != nil,
	}
	if a.bus != nil {
		out["events_dropped"] = a.bus.Dropped()
	}
	if a.opts.Stats != nil {
		for k, v := range a.opts.Stats() {
			if _, taken := out[k]; !taken {
				out[k] = v
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	maxImage := a.svc.Config().MaxImageBytes
	if maxImage <= 0 {
		maxImage = content.MaxImageBytes
	}

	req, err := a.decodeStart(w, r, maxImage)
	if err != nil {
		a.writeStartErr(w, err)
		return
	}

	id, err := a.svc.Start(r.Context(), req)
	if err != nil {
		a.writeStartErr(w, err)
		return
	}
	a.reqLog(r).Info("broadcast accepted",
		logx.String("run", id),
		logx.Int("recipients", len(req.Recipients)),
		logx.Bool("image", req.Message.Image != nil),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
}

func (a *API) decodeStart(w http.ResponseWriter, r *http.Request, maxImage int64) (broadcast.Request, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, maxImage+multipartMemory)
		return decodeMultipart(r, maxImage)
	}

	// base64 inflates by 4/3.
	r.Body = http.MaxBytesReader(w, r.Body, maxImage/3*4+multipartMemory)
	var in startRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return broadcast.Request{}, badRequest{fmt.Errorf("invalid json: %w", err)}
	}

	req := broadcast.Request{
		Recipients:  append(in.Recipients, content.ParseRecipients(in.RecipientsText)...),
		Message:     content.Message{Text: in.Message},
		Credentials: gateway.Credentials{AccessToken: in.AccessToken, PhoneNumberID: in.PhoneNumberID},
	}
	if in.Image != nil && len(in.Image.Data) > 0 {
		img, err := content.NewImage(in.Image.Name, in.Image.Data, maxImage)
		if err != nil {
			return broadcast.Request{}, err
		}
		req.Message.Image = img
	}
	return req, nil
}

func decodeMultipart(r *http.Request, maxImage int64) (broadcast.Request, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return broadcast.Request{}, badRequest{err}
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	req := broadcast.Request{
		Recipients: content.ParseRecipients(r.FormValue("recipients")),
		Message:    content.Message{Text: r.FormValue("message")},
		Credentials: gateway.Credentials{
			AccessToken:   r.FormValue("access_token"),
			PhoneNumberID: r.FormValue("phone_number_id"),
		},
	}

	f, hdr, err := r.FormFile("image")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		return req, nil
	case err != nil:
		return broadcast.Request{}, badRequest{err}
	}
	defer f.Close()

	if hdr.Size > maxImage {
		return broadcast.Request{}, fmt.Errorf("%w: %d bytes", content.ErrImageTooLarge, hdr.Size)
	}
	data, err := io.ReadAll(io.LimitReader(f, maxImage+1))
	if err != nil {
		return broadcast.Request{}, err
	}
	img, err := content.NewImage(hdr.Filename, data, maxImage)
	if err != nil {
		return broadcast.Request{}, err
	}
	req.Message.Image = img
	return req, nil
}

type badRequest struct{ err error }

func (b badRequest) Error() string { return b.err.Error() }
func (b badRequest) Unwrap() error { return b.err }

func (a *API) writeStartErr(w http.ResponseWriter, err error) {
	var (
		tooBig *http.MaxBytesError
		bad    badRequest
	)
	switch {
	case errors.As(err, &tooBig):
		writeErr(w, http.StatusBadRequest, content.ErrImageTooLarge.Error())
	case broadcast.IsValidation(err), errors.As(err, &bad):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, broadcast.ErrRunInProgress):
		writeErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, broadcast.ErrStopped):
		writeErr(w, http.StatusServiceUnavailable, err.Error())
	default:
		a.log.Warn("start broadcast failed", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

func (a *API) handleCurrent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Snapshot())
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	if a.svc.Cancel() {
		a.reqLog(r).Info("broadcast cancelled via api")
	}
	writeJSON(w, http.StatusOK, a.svc.Snapshot())
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": a.svc.Runs()})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := a.svc.Run(id)
	if !ok {
		writeErr(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	if a.audit == nil {
		writeErr(w, http.StatusServiceUnavailable, storage.ErrDisabled.Error())
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeErr(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	runs, err := a.audit.RecentRuns(r.Context(), limit)
	if err != nil {
		a.reqLog(r).Warn("audit read failed", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "audit read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}
