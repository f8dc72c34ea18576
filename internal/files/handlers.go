package files

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"dropcode-go/internal/access"
	"dropcode-go/internal/geoip"
	"dropcode-go/internal/models"
	"dropcode-go/internal/session"
	"dropcode-go/internal/validation"
	"dropcode-go/internal/web"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const (
	maxRecentLimit = 50
	// multipartMemory is how much of a form is held in memory before the
	// parser spills to disk.
	multipartMemory = 8 << 20
)

type Handler struct {
	service *Service
	geo     *geoip.Locator
}

func NewHandler(service *Service, geo *geoip.Locator) *Handler {
	return &Handler{
		service: service,
		geo:     geo,
	}
}

// UploadResponse is the JSON body of a successful API upload.
type UploadResponse struct {
	Success    bool      `json:"success"`
	Code       string    `json:"code"`
	URL        string    `json:"url"`
	DetailURL  string    `json:"detail_url"`
	QRURL      string    `json:"qr_url"`
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	Protected  bool      `json:"is_protected"`
	Compressed bool      `json:"compressed"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// FileSummary is the public view of a record in listings.
type FileSummary struct {
	Code          string    `json:"code"`
	Filename      string    `json:"filename"`
	Size          int64     `json:"size"`
	Protected     bool      `json:"is_protected"`
	DownloadCount int64     `json:"download_count"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	URL           string    `json:"url"`
}

func (h *Handler) summarize(rec *models.FileRecord) FileSummary {
	return FileSummary{
		Code:          rec.Code,
		Filename:      rec.Filename,
		Size:          rec.SizeBytes,
		Protected:     rec.IsProtected,
		DownloadCount: rec.DownloadCount,
		CreatedAt:     rec.CreatedAt,
		ExpiresAt:     rec.ExpiresAt,
		URL:           h.service.qr.URLFor(rec.Code),
	}
}

// HandleHome renders the upload form with the global counters and the
// session's recent files.
func (h *Handler) HandleHome(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.service.Stats(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load stats")
	}
	recent, err := h.service.Recent(ctx, session.FromContext(ctx), "", 0)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load recent files")
	}

	render(w, r, http.StatusOK, web.HomePage(web.HomeData{
		Stats:   stats,
		Recent:  recent,
		MaxSize: h.service.cfg.UploadMaxSize,
		Now:     h.service.now(),
	}))
}

// HandleUpload handles the browser form and renders the result page.
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	result, err := h.upload(w, r)
	if err != nil {
		var invalid fieldErrors
		if errors.As(err, &invalid) {
			render(w, r, http.StatusBadRequest, web.ErrorPage(http.StatusBadRequest, formatFields(err)))
			return
		}
		renderError(w, r, "", err)
		return
	}

	rec := result.Record
	render(w, r, http.StatusCreated, web.UploadSuccess(web.UploadView{
		Code:       rec.Code,
		URL:        result.URL,
		Filename:   rec.Filename,
		Size:       rec.SizeBytes,
		Protected:  rec.IsProtected,
		Compressed: result.Compressed,
	}))
}

// HandleAPIUpload handles multipart uploads from scripts and returns JSON.
func (h *Handler) HandleAPIUpload(w http.ResponseWriter, r *http.Request) {
	result, err := h.upload(w, r)
	if err != nil {
		var invalid fieldErrors
		if errors.As(err, &invalid) {
			writeValidationError(w, err)
			return
		}
		writeError(w, r, err)
		return
	}

	rec := result.Record
	code := url.PathEscape(rec.Code)
	writeJSON(w, http.StatusCreated, UploadResponse{
		Success:    true,
		Code:       rec.Code,
		URL:        result.URL,
		DetailURL:  result.URL + "/detail",
		QRURL:      "/" + code + "/qr",
		Filename:   rec.Filename,
		Size:       rec.SizeBytes,
		Protected:  rec.IsProtected,
		Compressed: result.Compressed,
		ExpiresAt:  rec.ExpiresAt,
	})
}

// fieldErrors matches errors carrying per-field validation messages.
type fieldErrors interface {
	error
	Fields() []validation.ValidationError
}

type formError struct {
	err error
}

func (e formError) Error() string { return e.err.Error() }
func (e formError) Unwrap() error { return e.err }
func (e formError) Fields() []validation.ValidationError {
	return validation.FormatError(e.err)
}

func formatFields(err error) string {
	var invalid fieldErrors
	if !errors.As(err, &invalid) {
		return err.Error()
	}
	msgs := make([]string, 0, len(invalid.Fields()))
	for _, f := range invalid.Fields() {
		msgs = append(msgs, f.Error)
	}
	return strings.Join(msgs, " ")
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) (*UploadResult, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.service.cfg.UploadMaxSize+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, ErrFileTooLarge
		}
		return nil, ErrNoFile
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			log.Warn().Err(err).Msg("failed to remove multipart temp files")
		}
	}()

	form := validation.UploadForm{
		CustomCode: strings.TrimSpace(r.FormValue("custom_code")),
		Password:   r.FormValue("password"),
	}
	if err := validation.Validate(form); err != nil {
		return nil, formError{err: err}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, ErrNoFile
	}
	defer file.Close()

	return h.service.Upload(r.Context(), UploadRequest{
		Filename:   header.Filename,
		Content:    file,
		CustomCode: form.CustomCode,
		Password:   form.Password,
		SessionID:  session.FromContext(r.Context()),
	})
}

// authorized resolves the code in the path and runs the access gate with a
// password taken from the query or the posted form. It writes the not-found
// page or the password prompt itself and returns nil in those cases.
func (h *Handler) authorized(w http.ResponseWriter, r *http.Request) *models.FileRecord {
	ctx := r.Context()
	code := chi.URLParam(r, "code")
	password := r.FormValue("password")

	rec, decision, err := h.service.Detail(ctx, code, password, session.FromContext(ctx))
	if err != nil {
		renderError(w, r, code, err)
		return nil
	}
	if decision == access.Denied {
		render(w, r, http.StatusUnauthorized, web.PasswordPrompt(rec.Code, r.URL.Path, password != ""))
		return nil
	}
	return rec
}

// HandleDirect serves PDFs inline straight from the short link. Other types
// and locked files go to the detail page.
func (h *Handler) HandleDirect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := chi.URLParam(r, "code")

	rec, err := h.service.Resolve(ctx, code)
	if err != nil {
		renderError(w, r, code, err)
		return
	}
	detail := "/" + url.PathEscape(rec.Code) + "/detail"
	if !rec.IsPDF() {
		http.Redirect(w, r, detail, http.StatusFound)
		return
	}
	decision, err := h.service.Authorize(ctx, rec, "", session.FromContext(ctx))
	if err != nil || decision == access.Denied {
		http.Redirect(w, r, detail, http.StatusFound)
		return
	}

	content, err := h.service.InlineView(ctx, rec)
	if err != nil {
		renderError(w, r, rec.Code, err)
		return
	}
	h.serve(w, r, content, "inline")
}

// HandleDetail renders file information, or the password prompt for locked
// files. The prompt posts back here.
func (h *Handler) HandleDetail(w http.ResponseWriter, r *http.Request) {
	rec := h.authorized(w, r)
	if rec == nil {
		return
	}

	render(w, r, http.StatusOK, web.FileDetail(web.DetailView{
		Record:               rec,
		URL:                  h.service.qr.URLFor(rec.Code),
		Now:                  h.service.now(),
		Owner:                rec.OwnedBy(session.FromContext(r.Context())),
		LibreOfficeAvailable: h.service.renderer.Available(),
	}))
}

// HandleDownload sends the file as an attachment, preferring the compressed
// variant of large PDFs.
func (h *Handler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	rec := h.authorized(w, r)
	if rec == nil {
		return
	}

	content, err := h.service.Open(r.Context(), rec)
	if err != nil {
		renderError(w, r, rec.Code, err)
		return
	}
	h.serve(w, r, content, "attachment")
}

// HandleView shows the file inline. When no preview can be produced the
// client is sent to the download instead.
func (h *Handler) HandleView(w http.ResponseWriter, r *http.Request) {
	rec := h.authorized(w, r)
	if rec == nil {
		return
	}

	content, err := h.service.InlineView(r.Context(), rec)
	if errors.Is(err, ErrExternalService) {
		http.Redirect(w, r, "/"+url.PathEscape(rec.Code)+"/download", http.StatusSeeOther)
		return
	}
	if err != nil {
		renderError(w, r, rec.Code, err)
		return
	}
	h.serve(w, r, content, "inline")
}

// HandleQR returns the PNG QR image of the short link.
func (h *Handler) HandleQR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := chi.URLParam(r, "code")

	rec, err := h.service.Resolve(ctx, code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := h.service.QR(ctx, rec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if _, err := io.Copy(w, body); err != nil {
		log.Debug().Err(err).Str("code", rec.Code).Msg("qr response interrupted")
	}
}

// HandleEdit applies an owner's changes. Browsers are redirected to the
// detail page under the possibly new code; JSON clients get the summary.
func (h *Handler) HandleEdit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := chi.URLParam(r, "code")

	if err := r.ParseForm(); err != nil {
		writeError(w, r, invalidInput(err))
		return
	}
	hours, err := optionalInt(r.PostFormValue("expires_in_hours"))
	if err != nil {
		writeError(w, r, ErrInvalidExpiry)
		return
	}
	form := validation.EditForm{
		NewCode:        strings.TrimSpace(r.PostFormValue("new_code")),
		Password:       r.PostFormValue("password"),
		ExpiresInHours: hours,
	}
	if err := validation.Validate(form); err != nil {
		writeValidationError(w, err)
		return
	}

	req := EditRequest{
		NewCode:        form.NewCode,
		RegenerateCode: checked(r.PostFormValue("regenerate_code")),
		ExpiresIn:      time.Duration(form.ExpiresInHours) * time.Hour,
	}
	switch {
	case checked(r.PostFormValue("remove_password")):
		empty := ""
		req.Password = &empty
	case form.Password != "":
		req.Password = &form.Password
	}

	rec, err := h.service.Edit(ctx, code, session.FromContext(ctx), req)
	if err != nil {
		if wantsJSON(r) {
			writeError(w, r, err)
		} else {
			renderError(w, r, code, err)
		}
		return
	}

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, h.summarize(rec))
		return
	}
	http.Redirect(w, r, "/"+url.PathEscape(rec.Code)+"/detail", http.StatusSeeOther)
}

// HandleDelete soft deletes the file on behalf of its uploader.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := chi.URLParam(r, "code")

	if err := h.service.Delete(ctx, code, session.FromContext(ctx)); err != nil {
		if wantsJSON(r) {
			writeError(w, r, err)
		} else {
			renderError(w, r, code, err)
		}
		return
	}

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleCheckCode reports whether a custom code is still free.
func (h *Handler) HandleCheckCode(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if err := validation.ValidateCustomCode(code); err != nil {
		writeValidationError(w, err)
		return
	}

	available, normalized, err := h.service.CheckCode(r.Context(), code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"code":      normalized,
		"available": available,
	})
}

func (h *Handler) HandlePreviewSupport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.PreviewSupport())
}

func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleRecent lists the calling session's files. q filters by code or
// filename.
func (h *Handler) HandleRecent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	limit, err := optionalInt(q.Get("limit"))
	if err == nil && limit < 0 {
		err = errors.New("negative limit")
	}
	if err != nil {
		writeError(w, r, invalidInput(err))
		return
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	recs, err := h.service.Recent(ctx, session.FromContext(ctx), q.Get("q"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	files := make([]FileSummary, 0, len(recs))
	for _, rec := range recs {
		files = append(files, h.summarize(rec))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}

// serve writes content with the given disposition and counts the retrieval.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, c *Content, disposition string) {
	defer c.Body.Close()

	header := w.Header()
	header.Set("Content-Type", c.ContentType)
	header.Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": c.Filename}))
	header.Set("X-Content-Type-Options", "nosniff")
	if disposition == "inline" {
		header.Set("Content-Security-Policy", "sandbox")
	}
	if c.Size >= 0 {
		header.Set("Content-Length", strconv.FormatInt(c.Size, 10))
	}
	if c.Compressed {
		header.Set("X-Compressed-PDF", "true")
		header.Set("X-Original-Size", strconv.FormatInt(c.Record.SizeBytes, 10))
		header.Set("X-Compressed-Size", strconv.FormatInt(c.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, c.Body)
	if err != nil {
		log.Warn().
			Err(err).
			Str("code", c.Record.Code).
			Int64("written", n).
			Msg("file transfer interrupted")
		return
	}

	h.service.RecordDownload(r.Context(), c.Record)

	loc := h.geo.Lookup(r.RemoteAddr)
	log.Info().
		Str("code", c.Record.Code).
		Str("file_id", c.Record.ID.String()).
		Str("disposition", disposition).
		Bool("compressed", c.Compressed).
		Int64("bytes", n).
		Str("country", loc.CountryCode).
		Str("city", loc.City).
		Msg("file retrieved")
}

func render(w http.ResponseWriter, r *http.Request, status int, c templ.Component) {
	templ.Handler(c, templ.WithStatus(status)).ServeHTTP(w, r)
}

// renderError shows an HTML page for err. Unknown, expired and deleted
// codes all get the same not-found page.
func renderError(w http.ResponseWriter, r *http.Request, code string, err error) {
	status, apiErr := classify(err)
	if status == http.StatusNotFound {
		render(w, r, status, web.NotFound(code))
		return
	}
	if status == http.StatusInternalServerError {
		log.Error().
			Err(err).
			Str("path", r.URL.Path).
			Msg("internal error occurred")
	}
	render(w, r, status, web.ErrorPage(status, apiErr.Message))
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func checked(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

func optionalInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// invalidInput wraps a malformed request as invalid input.
func invalidInput(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidInput, err)
}
