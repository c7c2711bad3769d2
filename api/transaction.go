package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vultisig/custodian/internal/types"
)

type transitionRequest struct {
	TransactionStatus string `json:"transaction_status"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Retriable bool   `json:"retriable,omitempty"`
}

func (s *Server) CreateTransaction(c echo.Context) error {
	var req types.TransactionCreateRequest
	if err := c.Bind(&req); err != nil {
		return s.errorResponse(c, types.NewInvalidRequest(err))
	}
	tx, err := s.transactions.CreateTransaction(c.Request().Context(), req)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, tx)
}

func (s *Server) GetTransaction(c echo.Context) error {
	id, err := transactionID(c)
	if err != nil {
		return s.errorResponse(c, err)
	}
	tx, err := s.transactions.GetTransaction(c.Request().Context(), id)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, tx)
}

// ListTransactions filters by the comma separated transaction_statuses query parameter.
func (s *Server) ListTransactions(c echo.Context) error {
	statuses, err := types.ParseStatusFilter(c.QueryParam("transaction_statuses"))
	if err != nil {
		return s.errorResponse(c, err)
	}
	txs, err := s.transactions.ListTransactions(c.Request().Context(), statuses)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, txs)
}

func (s *Server) RequestTransition(c echo.Context) error {
	id, err := transactionID(c)
	if err != nil {
		return s.errorResponse(c, err)
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return s.errorResponse(c, types.NewInvalidRequest(err))
	}
	desired, err := types.ParseTransactionStatus(req.TransactionStatus)
	if err != nil {
		return s.errorResponse(c, err)
	}
	tx, err := s.transactions.RequestTransition(c.Request().Context(), id, desired)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, tx)
}

func (s *Server) DeleteTransaction(c echo.Context) error {
	id, err := transactionID(c)
	if err != nil {
		return s.errorResponse(c, err)
	}
	if err := s.transactions.DeleteTransaction(c.Request().Context(), id); err != nil {
		return s.errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) DeleteAllTransactions(c echo.Context) error {
	n, err := s.transactions.DeleteAllTransactions(c.Request().Context())
	if err != nil {
		return s.errorResponse(c, err)
	}
	s.logger.Warnf("purged %d transactions", n)
	return c.JSON(http.StatusOK, echo.Map{"deleted": n})
}

func transactionID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, types.NewInvalidRequest(err)
	}
	return id, nil
}

func statusFor(code types.ErrorCode) int {
	switch code {
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeIllegalTransition:
		return http.StatusForbidden
	case types.CodeInvalidRequest:
		return http.StatusBadRequest
	case types.CodeSigningFailed:
		return http.StatusInternalServerError
	case types.CodeAllocationFailed:
		return http.StatusServiceUnavailable
	case types.CodeSubmissionFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) errorResponse(c echo.Context, err error) error {
	txErr, ok := types.AsTransactionError(err)
	if !ok {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			return httpErr
		}
		s.logger.WithError(err).WithField("path", c.Path()).Error("request failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
	status := statusFor(txErr.Code)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.Path()).Error("request failed")
	}
	return c.JSON(status, errorResponse{
		Error:     txErr.Error(),
		Code:      string(txErr.Code),
		Reason:    txErr.Reason,
		Retriable: txErr.Retriable,
	})
}
