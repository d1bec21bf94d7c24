// Package server exposes deployed accounts over HTTP: inspection,
// validation dry runs for fee estimation and operation submission.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/blndgs/smartaccount"
	"github.com/blndgs/smartaccount/dispatch"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

type simulateUserOpRequest struct {
	UserOp *smartaccount.UserOperation `json:"userOp" binding:"required"`
}

type handleUserOpRequest struct {
	UserOp      *smartaccount.UserOperation `json:"userOp"      binding:"required"`
	Beneficiary string                      `json:"beneficiary" binding:"required,eth_addr"`
}

type transactionRequest struct {
	Transaction *smartaccount.Transaction `json:"transaction" binding:"required"`
}

type outsideRequest struct {
	Caller      string                    `json:"caller"      binding:"required,eth_addr"`
	Transaction *smartaccount.Transaction `json:"transaction" binding:"required"`
}

// Server serves one chain.
type Server struct {
	chain  *dispatch.Chain
	engine *gin.Engine
	logger log.Logger
}

// NewValidator installs the custom rules used in request bindings.
func NewValidator() error {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		return smartaccount.RegisterValidations(v)
	}
	return nil
}

// New returns a Server for chain.
func New(chain *dispatch.Chain) (*Server, error) {
	if err := NewValidator(); err != nil {
		return nil, err
	}

	s := &Server{
		chain:  chain,
		engine: gin.New(),
		logger: log.New("module", "server"),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())

	s.engine.GET("/accounts/:address", s.getAccount)
	s.engine.POST("/userops/simulate", s.simulateUserOp)
	s.engine.POST("/userops", s.handleUserOp)
	s.engine.POST("/transactions/simulate", s.simulateTransaction)
	s.engine.POST("/transactions", s.processTransaction)
	s.engine.POST("/transactions/outside", s.executeFromOutside)
	return s, nil
}

// Handler returns the HTTP handler of s.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server started", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		s.logger.Info("HTTP server stopped")
		return nil
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Served request", "method", c.Request.Method, "path", c.FullPath(), "status", c.Writer.Status(), "elapsed", time.Since(start))
	}
}

func (s *Server) getAccount(c *gin.Context) {
	addr := c.Param("address")
	if !common.IsHexAddress(addr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid address %q", addr)})
		return
	}
	info, err := s.chain.Account(common.HexToAddress(addr))
	if err != nil {
		s.abort(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) simulateUserOp(c *gin.Context) {
	var req simulateUserOpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sim, err := s.chain.SimulateUserOp(c.Request.Context(), req.UserOp)
	if err != nil {
		s.abort(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, sim)
}

func (s *Server) handleUserOp(c *gin.Context) {
	var req handleUserOpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rcpt, err := s.chain.HandleUserOp(c.Request.Context(), req.UserOp, common.HexToAddress(req.Beneficiary))
	if err != nil {
		s.abort(c, err, rcpt)
		return
	}
	c.JSON(http.StatusOK, rcpt)
}

func (s *Server) simulateTransaction(c *gin.Context) {
	var req transactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sim, err := s.chain.SimulateTransaction(c.Request.Context(), req.Transaction)
	if err != nil {
		s.abort(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, sim)
}

func (s *Server) processTransaction(c *gin.Context) {
	var req transactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rcpt, err := s.chain.ProcessTransaction(c.Request.Context(), req.Transaction)
	if err != nil {
		s.abort(c, err, rcpt)
		return
	}
	c.JSON(http.StatusOK, rcpt)
}

func (s *Server) executeFromOutside(c *gin.Context) {
	var req outsideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.chain.ExecuteFromOutside(c.Request.Context(), common.HexToAddress(req.Caller), req.Transaction); err != nil {
		s.abort(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Executed successfully"})
}

// abort writes err with the status its kind maps to.
func (s *Server) abort(c *gin.Context, err error, rcpt *dispatch.Receipt) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, dispatch.ErrUnknownAccount):
		status = http.StatusNotFound
	case errors.Is(err, smartaccount.ErrUnauthorized),
		errors.Is(err, smartaccount.ErrNonceConflict),
		errors.Is(err, smartaccount.ErrInsufficientFunds),
		errors.Is(err, smartaccount.ErrInvalidSignature),
		errors.Is(err, smartaccount.ErrPaymentFailed),
		errors.Is(err, smartaccount.ErrExecutionFailed):
		status = http.StatusUnprocessableEntity
	}

	body := gin.H{"error": err.Error()}
	if rcpt != nil {
		body["receipt"] = rcpt
	}
	s.logger.Debug("Request failed", "path", c.FullPath(), "status", status, "err", err)
	c.JSON(status, body)
}
