package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/torvisr/internal/auth"
	"github.com/loykin/torvisr/internal/control"
	"github.com/loykin/torvisr/internal/history"
	"github.com/loykin/torvisr/internal/onion"
	"github.com/loykin/torvisr/internal/supervisor"
)

// Supervisor is the part of *supervisor.Supervisor the API drives.
type Supervisor interface {
	Status() supervisor.Status
	Kill(ctx context.Context) error
}

// Services is the part of *onion.Manager the API drives.
type Services interface {
	Create(ctx context.Context, virtPort, targetPort int, privateKey string) (onion.Created, error)
	DestroyService(ctx context.Context, id string) bool
	GetServiceAddress(virtPort int) (string, error)
	Services() []onion.Service
}

// Router provides embeddable HTTP handlers for the supervisor.
// Endpoints, relative to basePath:
//
//	POST   /auth/login        body: {"username","password"} (auth enabled only)
//	GET    /status
//	GET    /services
//	POST   /services          body: {"virt_port","target_port","private_key"}
//	GET    /services/:port
//	DELETE /services/:id
//	POST   /kill
//	GET    /history?type=&since=RFC3339&limit=   (history reader set only)
//
// GET /metrics is mounted at the root when a metrics handler is set.
type Router struct {
	sup      Supervisor
	svcs     Services
	auth     *auth.Service
	metrics  http.Handler
	history  history.Reader
	basePath string
	logger   *slog.Logger
}

type Option func(*Router)

// WithAuth requires credentials on every API route.
func WithAuth(a *auth.Service) Option { return func(r *Router) { r.auth = a } }

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option { return func(r *Router) { r.metrics = h } }

// WithHistory serves recorded events from h at /history.
func WithHistory(h history.Reader) Option { return func(r *Router) { r.history = h } }

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// NewRouter constructs a Router. basePath "/api" yields /api/status and so on.
func NewRouter(sup Supervisor, svcs Services, basePath string, opts ...Option) *Router {
	r := &Router{sup: sup, svcs: svcs, basePath: cleanBasePath(basePath)}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "server")
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	if r.auth != nil {
		group.POST("/auth/login", r.handleLogin)
	}
	mw := auth.NewMiddleware(r.auth)
	api := group.Group("", mw.Authenticate())
	api.GET("/status", r.handleStatus)
	api.GET("/services", r.handleListServices)
	api.GET("/services/:port", r.handleGetService)
	api.POST("/services", mw.RequireWrite(), r.handleCreateService)
	api.DELETE("/services/:id", mw.RequireWrite(), r.handleDestroyService)
	api.POST("/kill", mw.RequireWrite(), r.handleKill)
	if r.history != nil {
		api.GET("/history", r.handleHistory)
	}
	return g
}

// Start listens on addr and serves h in the background. A non-nil
// tlsConfig serves HTTPS.
func Start(addr string, h http.Handler, tlsConfig *tls.Config) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	srv := &http.Server{
		Handler:           h,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// creating a service waits on Tor publishing the descriptor
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	return srv, ln.Addr(), nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type loginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CreateRequest is the POST /services body.
type CreateRequest struct {
	VirtPort   int    `json:"virt_port"`
	TargetPort int    `json:"target_port"`
	PrivateKey string `json:"private_key,omitempty"`
}

type addressResp struct {
	Address string `json:"address"`
}

func (r *Router) handleLogin(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	tok, err := r.auth.Login(req.Username, req.Password)
	if err != nil {
		fail(c, http.StatusUnauthorized, err.Error())
		return
	}
	c.JSON(http.StatusOK, tok)
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.sup.Status())
}

func (r *Router) handleListServices(c *gin.Context) {
	c.JSON(http.StatusOK, r.svcs.Services())
}

func (r *Router) handleGetService(c *gin.Context) {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil {
		fail(c, http.StatusBadRequest, "port must be a number")
		return
	}
	addr, err := r.svcs.GetServiceAddress(port)
	if err != nil {
		var nf *onion.NotFoundError
		if errors.As(err, &nf) {
			fail(c, http.StatusNotFound, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, addressResp{Address: addr})
}

func (r *Router) handleCreateService(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	created, err := r.svcs.Create(c.Request.Context(), req.VirtPort, req.TargetPort, req.PrivateKey)
	if err != nil {
		fail(c, createStatus(err), err.Error())
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (r *Router) handleDestroyService(c *gin.Context) {
	id := c.Param("id")
	if !onion.ValidServiceID(id) {
		fail(c, http.StatusBadRequest, "invalid service id")
		return
	}
	c.JSON(http.StatusOK, okResp{OK: r.svcs.DestroyService(c.Request.Context(), id)})
}

func (r *Router) handleKill(c *gin.Context) {
	err := r.sup.Kill(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, okResp{OK: true})
	case errors.Is(err, supervisor.ErrNotInitialized), errors.Is(err, supervisor.ErrInitInProgress):
		fail(c, http.StatusConflict, err.Error())
	default:
		r.logger.Error("kill via api failed", "error", err)
		fail(c, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) handleHistory(c *gin.Context) {
	q := history.Query{Type: history.EventType(c.Query("type"))}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			fail(c, http.StatusBadRequest, "limit must be a non-negative number")
			return
		}
		q.Limit = n
	}
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fail(c, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		q.Since = t
	}
	events, err := r.history.Recent(c.Request.Context(), q)
	if err != nil {
		r.logger.Error("history query failed", "error", err)
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	c.JSON(http.StatusOK, events)
}

func createStatus(err error) int {
	var (
		pe *onion.PortError
		ke *onion.KeyError
		re *control.ReplyError
	)
	switch {
	case errors.As(err, &pe), errors.As(err, &ke):
		return http.StatusBadRequest
	case errors.Is(err, supervisor.ErrNotInitialized):
		return http.StatusConflict
	case errors.As(err, &re):
		if re.Code >= 510 && re.Code < 520 {
			return http.StatusBadRequest
		}
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}
