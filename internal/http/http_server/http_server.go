package http_server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"bidengine/internal/http/auctionhandler"
	"bidengine/internal/http/middleware"
	"bidengine/internal/ratelimit"
	"bidengine/internal/services/auction"
	"bidengine/internal/ws"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/abrar71/swaggerfilesv2" // swagger embed files
)

const shutdownTimeout = 10 * time.Second

type httpServer struct {
	listenPort     uint16
	srv            *http.Server
	ln             net.Listener
	auctionService auction.IAuctionService
	wsSrv          *ws.WsServer
	limiter        middleware.Limiter
	limits         ratelimit.Options
	ctx            context.Context
}

func NewHttpServer(ctx context.Context, listenPort uint16, wsSrv *ws.WsServer, auctionService auction.IAuctionService,
	limiter middleware.Limiter, limits ratelimit.Options) *httpServer {
	h := &httpServer{
		listenPort:     listenPort,
		wsSrv:          wsSrv,
		auctionService: auctionService,
		limiter:        limiter,
		limits:         limits,
		ctx:            ctx,
	}
	// built up front so Dispose never races Start
	h.srv = &http.Server{
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return h
}

// Router builds the gin engine. Exposed separately from Start for tests.
func (h *httpServer) Router() *gin.Engine {
	routerEngine := gin.New()

	// Swagger UI
	routerEngine.StaticFS("/swagger-apis", http.FS(swaggerfilesv2.FS))

	routerEngine.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))
	routerEngine.Use(ginzap.RecoveryWithZap(zap.L(), true))

	routerEngine.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	// websocket endpoint
	if h.wsSrv != nil {
		routerEngine.GET("/ws", h.wsSrv.Handle)
	}

	// REST API
	api := routerEngine.Group("/")
	if h.limiter != nil {
		api.Use(middleware.RateLimit(h.limiter, h.limits))
	}
	auctionhandler.New(h.auctionService).Register(api)
	return routerEngine
}

// Start blocks serving until Dispose is called. After Dispose it returns nil
// straight away.
func (h *httpServer) Start() error {
	var err error
	listenAddr := fmt.Sprintf(":%d", h.listenPort)
	h.ln, err = net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}

	zap.L().Info("http_listen", zap.String("addr", listenAddr))

	if err := h.srv.Serve(h.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Dispose gracefully shuts the HTTP server down.
// It waits up to 10 s for in‑flight requests to finish.
func (h *httpServer) Dispose() error {
	// The parent context is usually already cancelled by the signal, so the
	// deadline hangs off a fresh one.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), shutdownTimeout)
	defer cancel()

	if h.wsSrv != nil {
		h.wsSrv.Dispose()
	}

	if err := h.srv.Shutdown(ctx); err != nil {
		zap.L().Error("http_dispose", zap.Error(err))
		return err // e.g. active conns didn’t finish in time
	}
	return nil
}
