package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"handoff/internal/server/accounts"
	"handoff/internal/server/auth"
	"handoff/internal/server/broker"
	"handoff/internal/server/ledger"
	"handoff/internal/server/service"

	"github.com/labstack/echo/v4"
)

// Handler contains the HTTP handlers for the transfer API.
type Handler struct {
	accounts *accounts.Service
	svc      *service.TransferService
	health   func(c echo.Context) error
}

// NewHandler creates a handler. healthProbe may be nil when there is no
// database to check.
func NewHandler(accountsSvc *accounts.Service, svc *service.TransferService, healthProbe func(c echo.Context) error) *Handler {
	return &Handler{accounts: accountsSvc, svc: svc, health: healthProbe}
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Role     string `json:"role" validate:"omitempty,oneof=OWNER CLIENT"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type verifyRequest struct {
	AccessCode string `json:"access_code" validate:"required"`
}

// HandleRegister handles POST /api/auth/register.
func (h *Handler) HandleRegister(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	account, err := h.accounts.Register(c.Request().Context(), req.Email, req.Password, req.Role)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, accountView(account))
}

// HandleLogin handles POST /api/auth/login.
func (h *Handler) HandleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	account, token, err := h.accounts.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"token":   token,
		"account": accountView(account),
	})
}

// HandleListUsers handles GET /api/users.
// The directory lets a sender pick a receiver by account id.
func (h *Handler) HandleListUsers(c echo.Context) error {
	if _, err := h.accounts.VerifySession(c.Request().Context(), sessionToken(c)); err != nil {
		return mapServiceError(c, broker.ErrUnauthenticated)
	}
	list, err := h.accounts.List(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}
	views := make([]echo.Map, 0, len(list))
	for _, a := range list {
		views = append(views, accountView(a))
	}
	return c.JSON(http.StatusOK, views)
}

// HandleSend handles POST /api/transfers.
// Accepts a multipart form with a "receiver_id" field, an optional
// "access_code" field and one or more "files" parts.
func (h *Handler) HandleSend(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "multipart form required"})
	}
	receiverID := c.FormValue("receiver_id")
	if receiverID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "receiver_id is required"})
	}
	accessCode := c.FormValue("access_code")

	headers := form.File["files"]
	files := make([]service.SendFile, 0, len(headers))
	opened := make([]io.Closer, 0, len(headers))
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()
	for _, fh := range headers {
		src, err := fh.Open()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to read uploaded file"})
		}
		opened = append(opened, src)
		files = append(files, service.SendFile{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        src,
		})
	}

	result, err := h.svc.Send(c.Request().Context(), sessionToken(c), receiverID, accessCode, files)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

// HandleVerify handles POST /api/transfers/:id/verify.
// No session is required: knowing the code is the authorization.
func (h *Handler) HandleVerify(c echo.Context) error {
	var req verifyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	token, err := h.svc.Verify(c.Request().Context(), c.Param("id"), req.AccessCode)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"transfer_token": token})
}

// HandleListSent handles GET /api/transfers/sent.
func (h *Handler) HandleListSent(c echo.Context) error {
	list, err := h.svc.ListSent(c.Request().Context(), sessionToken(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

// HandleListReceived handles GET /api/transfers/received.
func (h *Handler) HandleListReceived(c echo.Context) error {
	list, err := h.svc.ListReceived(c.Request().Context(), sessionToken(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

// HandleIncomingCount handles GET /api/transfers/incoming/count.
func (h *Handler) HandleIncomingCount(c echo.Context) error {
	count, err := h.svc.IncomingCount(c.Request().Context(), sessionToken(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"count": count})
}

// HandleListFiles handles GET /api/transfers/:id/files.
func (h *Handler) HandleListFiles(c echo.Context) error {
	files, err := h.svc.ListFiles(c.Request().Context(), c.Param("id"), credential(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, files)
}

// HandleDownloadFile handles GET /api/transfers/:id/files/:fileID/download.
func (h *Handler) HandleDownloadFile(c echo.Context) error {
	dl, err := h.svc.DownloadFile(c.Request().Context(), c.Param("id"), c.Param("fileID"), credential(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	defer dl.Content.Close()

	contentType := dl.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", dl.Filename))
	return c.Stream(http.StatusOK, contentType, dl.Content)
}

// HandleDeleteFile handles DELETE /api/transfers/:id/files/:fileID.
func (h *Handler) HandleDeleteFile(c echo.Context) error {
	result, err := h.svc.DeleteFile(c.Request().Context(), c.Param("id"), c.Param("fileID"), credential(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// HandleBundle handles GET /api/transfers/:id/bundle.
// Streams a ZIP of every file still visible to the caller's side.
func (h *Handler) HandleBundle(c echo.Context) error {
	transferID := c.Param("id")

	// Authorization and blob lookup both happen before the status goes out,
	// so every failure still maps to a clean error response.
	bundle, err := h.svc.OpenBundle(c.Request().Context(), transferID, credential(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	defer bundle.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", "transfer-"+transferID+".zip"))
	c.Response().Header().Set(echo.HeaderContentType, "application/zip")
	c.Response().WriteHeader(http.StatusOK)

	return bundle.WriteTo(c.Response())
}

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(c echo.Context) error {
	if h.health != nil {
		return h.health(c)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "healthy", "database": "none"})
}

// HandleStats handles GET /api/stats.
// Returns aggregate server statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to retrieve stats"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"total_transfers":    stats.TotalTransfers,
		"pending_transfers":  stats.PendingTransfers,
		"opened_transfers":   stats.OpenedTransfers,
		"storage_used_bytes": stats.StoredBytes,
		"storage_used_human": humanizeBytes(stats.StoredBytes),
	})
}

func accountView(a *accounts.Account) echo.Map {
	return echo.Map{
		"id":         a.ID,
		"email":      a.Email,
		"role":       a.Role,
		"created_at": a.CreatedAt,
	}
}

// mapServiceError translates service-layer errors into HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, broker.ErrUnauthenticated), errors.Is(err, auth.ErrInvalidToken):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	case errors.Is(err, accounts.ErrInvalidCredentials):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid email or password"})
	case errors.Is(err, broker.ErrInvalidCode):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid access code"})
	case errors.Is(err, broker.ErrUnauthorized):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "not authorized for this transfer"})
	case errors.Is(err, broker.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "not a party to this transfer"})
	case errors.Is(err, broker.ErrTooManyAttempts):
		return c.JSON(http.StatusTooManyRequests, echo.Map{"error": "too many failed attempts"})
	case errors.Is(err, broker.ErrTransferExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "transfer has expired"})
	case errors.Is(err, ledger.ErrTransferNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "transfer not found"})
	case errors.Is(err, ledger.ErrFileNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "file not found"})
	case errors.Is(err, accounts.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "account not found"})
	case errors.Is(err, service.ErrReceiverNotFound), errors.Is(err, ledger.ErrInvalidReceiver):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid receiver"})
	case errors.Is(err, ledger.ErrWeakAccessCode):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "access code must be at least 6 alphanumeric characters"})
	case errors.Is(err, ledger.ErrEmptyTransfer):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "a transfer needs at least one file"})
	case errors.Is(err, accounts.ErrEmailTaken):
		return c.JSON(http.StatusConflict, echo.Map{"error": "email already registered"})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}

// humanizeBytes formats a byte count into a human-readable string.
func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
