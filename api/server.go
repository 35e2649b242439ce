package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/bonserver/internal/jwt"
	"github.com/vultisig/bonserver/internal/metrics"
	"github.com/vultisig/bonserver/internal/password"
	"github.com/vultisig/bonserver/internal/types"
	"github.com/vultisig/bonserver/relay"
)

// Vouchers is the ledger surface the API reads and redeems through.
type Vouchers interface {
	Get(ctx context.Context, voucherID string) (*types.Voucher, error)
	List(ctx context.Context, holderID string) ([]*types.Voucher, error)
	Redeem(ctx context.Context, voucherID string) (*types.Voucher, error)
}

type DividendQueue interface {
	EnqueueDividend(participant, marketID string, period time.Time) (bool, error)
}

type Bootstrapper interface {
	IssueBootstrap(ctx context.Context, participant, marketID string) (*types.Voucher, error)
}

type RelayStatus interface {
	Snapshot() relay.Snapshot
}

type Backups interface {
	Export(ctx context.Context, owner, password string) (string, error)
	Import(ctx context.Context, fileName, password string) (int, error)
}

type Server struct {
	port         int64
	marketID     string
	jwtSecret    string
	passwordHash string
	vouchers     Vouchers
	queue        DividendQueue
	bootstrap    Bootstrapper
	relay        RelayStatus
	backups      Backups
	metrics      *metrics.Reporter
	logger       *logrus.Entry
}

type Options struct {
	Port      int64
	MarketID  string
	JWTSecret string
	Vouchers  Vouchers
	Queue     DividendQueue
	Bootstrap Bootstrapper
	Relay     RelayStatus
	Backups   Backups
	Metrics   *metrics.Reporter

	// OperatorPasswordHash enables POST /auth/token.
	OperatorPasswordHash string
}

// NewServer returns a new server.
func NewServer(opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	return &Server{
		port:         opts.Port,
		marketID:     opts.MarketID,
		jwtSecret:    opts.JWTSecret,
		passwordHash: opts.OperatorPasswordHash,
		vouchers:     opts.Vouchers,
		queue:        opts.Queue,
		bootstrap:    opts.Bootstrap,
		relay:        opts.Relay,
		backups:      opts.Backups,
		metrics:      opts.Metrics,
		logger:       logrus.WithField("service", "api"),
	}
}

// Handler builds the router. Mutating routes require an operator token when
// a JWT secret is configured.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Logger.SetLevel(log.INFO)
	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(s.statsdMiddleware)
	limiterStore := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{Rate: 5, Burst: 30, ExpiresIn: 5 * time.Minute},
	)
	e.Use(middleware.RateLimiter(limiterStore))

	e.GET("/ping", s.Ping)
	e.GET("/relay/state", s.RelayState)
	e.POST("/auth/token", s.IssueToken)

	grp := e.Group("/vouchers")
	grp.GET("/:id", s.GetVoucher)
	grp.POST("/:id/redeem", s.RedeemVoucher, s.operatorAuthMiddleware)
	e.GET("/holders/:holder/vouchers", s.ListVouchers)

	ops := e.Group("", s.operatorAuthMiddleware)
	ops.POST("/auth/refresh", s.RefreshToken)
	ops.POST("/dividend/issue", s.IssueDividend)
	ops.POST("/bootstrap", s.IssueBootstrap)
	ops.POST("/backup/export", s.ExportBackup)
	ops.POST("/backup/import", s.ImportBackup)
	return e
}

func (s *Server) StartServer() error {
	e := s.Handler()
	e.Use(middleware.Logger())
	return e.Start(fmt.Sprintf(":%d", s.port))
}

func (s *Server) Ping(c echo.Context) error {
	return c.String(http.StatusOK, "bonserver is running")
}

func (s *Server) RelayState(c echo.Context) error {
	if s.relay == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "relay is not configured")
	}
	return c.JSON(http.StatusOK, s.relay.Snapshot())
}

// VoucherView is the public part of a voucher. Shares are never served.
type VoucherView struct {
	ID                 string              `json:"id"`
	Value              float64             `json:"value"`
	Status             types.VoucherStatus `json:"status"`
	IssuedAt           time.Time           `json:"issued_at"`
	ExpiresAt          time.Time           `json:"expires_at"`
	IssuerID           string              `json:"issuer_id"`
	HolderID           string              `json:"holder_id"`
	MarketID           string              `json:"market_id"`
	Category           types.Category      `json:"category"`
	DividendAtCreation float64             `json:"dividend_at_creation"`
}

func viewOf(v *types.Voucher) VoucherView {
	return VoucherView{
		ID:                 v.ID,
		Value:              v.Value,
		Status:             v.Status,
		IssuedAt:           v.IssuedAt,
		ExpiresAt:          v.ExpiresAt,
		IssuerID:           v.IssuerID,
		HolderID:           v.HolderID,
		MarketID:           v.MarketID,
		Category:           v.Category,
		DividendAtCreation: v.DividendAtCreation,
	}
}

func (s *Server) GetVoucher(c echo.Context) error {
	v, err := s.vouchers.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewOf(v))
}

func (s *Server) ListVouchers(c echo.Context) error {
	vouchers, err := s.vouchers.List(c.Request().Context(), c.Param("holder"))
	if err != nil {
		return err
	}
	views := make([]VoucherView, 0, len(vouchers))
	for _, v := range vouchers {
		views = append(views, viewOf(v))
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Server) RedeemVoucher(c echo.Context) error {
	v, err := s.vouchers.Redeem(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	s.logger.WithField("voucher", v.ID).Info("voucher redeemed over api")
	return c.JSON(http.StatusOK, viewOf(v))
}

type tokenRequest struct {
	Operator string `json:"operator"`
	Password string `json:"password"`
}

// IssueToken trades the operator password for a bearer token.
func (s *Server) IssueToken(c echo.Context) error {
	if s.jwtSecret == "" || s.passwordHash == "" {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "operator login is not configured")
	}
	var req tokenRequest
	if err := c.Bind(&req); err != nil || req.Operator == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "operator is required")
	}
	if err := password.Verify(s.passwordHash, req.Password); err != nil {
		s.logger.WithField("operator", req.Operator).WithError(err).Warn("operator login failed")
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid credentials")
	}
	token, err := jwt.GenerateToken(req.Operator, s.jwtSecret, jwt.DefaultTokenTTL)
	if err != nil {
		return fmt.Errorf("fail to generate token, err: %w", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"token": token})
}

// RefreshToken issues a fresh token to an already authenticated operator.
func (s *Server) RefreshToken(c echo.Context) error {
	operator, _ := c.Get("operator").(string)
	if s.jwtSecret == "" || operator == "" {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "operator login is not configured")
	}
	token, err := jwt.GenerateToken(operator, s.jwtSecret, jwt.DefaultTokenTTL)
	if err != nil {
		return fmt.Errorf("fail to generate token, err: %w", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"token": token})
}

type participantRequest struct {
	Participant string `json:"participant"`
	MarketID    string `json:"market_id"`
}

func (s *Server) bindParticipant(c echo.Context) (participantRequest, error) {
	var req participantRequest
	if err := c.Bind(&req); err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, "fail to parse request")
	}
	if req.Participant == "" {
		return req, echo.NewHTTPError(http.StatusBadRequest, "participant is required")
	}
	if req.MarketID == "" {
		req.MarketID = s.marketID
	}
	return req, nil
}

func (s *Server) IssueDividend(c echo.Context) error {
	req, err := s.bindParticipant(c)
	if err != nil {
		return err
	}
	if _, err := s.queue.EnqueueDividend(req.Participant, req.MarketID, time.Time{}); err != nil {
		return fmt.Errorf("fail to enqueue task, err: %w", err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) IssueBootstrap(c echo.Context) error {
	req, err := s.bindParticipant(c)
	if err != nil {
		return err
	}
	v, err := s.bootstrap.IssueBootstrap(c.Request().Context(), req.Participant, req.MarketID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, viewOf(v))
}

type backupRequest struct {
	Owner    string `json:"owner"`
	File     string `json:"file"`
	Password string `json:"password"`
}

func (s *Server) ExportBackup(c echo.Context) error {
	if s.backups == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "block storage is not configured")
	}
	var req backupRequest
	if err := c.Bind(&req); err != nil || req.Owner == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner and password are required")
	}
	name, err := s.backups.Export(c.Request().Context(), req.Owner, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"file": name})
}

func (s *Server) ImportBackup(c echo.Context) error {
	if s.backups == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "block storage is not configured")
	}
	var req backupRequest
	if err := c.Bind(&req); err != nil || req.File == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "file and password are required")
	}
	restored, err := s.backups.Import(c.Request().Context(), req.File, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"restored": restored})
}

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	switch types.KindOf(err) {
	case types.KindPersistence:
		if types.CodeOf(err) == types.CodeNotFound {
			return http.StatusNotFound
		}
		return http.StatusInternalServerError
	case types.KindState:
		return http.StatusConflict
	case types.KindExpiry:
		return http.StatusGone
	case types.KindProtocol:
		return http.StatusBadRequest
	case types.KindCapacity:
		return http.StatusTooManyRequests
	case types.KindConnectivity:
		return http.StatusServiceUnavailable
	case types.KindCrypto:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	if he, ok := err.(*echo.HTTPError); ok {
		_ = c.JSON(he.Code, echo.Map{"error": fmt.Sprint(he.Message)})
		return
	}
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithField("path", c.Path()).WithError(err).Error("request failed")
	}
	body := echo.Map{"error": err.Error()}
	if code := types.CodeOf(err); code != "" {
		body["code"] = code
	}
	_ = c.JSON(status, body)
}
