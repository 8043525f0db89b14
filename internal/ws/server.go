package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"bidengine/internal/broadcast"
	"bidengine/internal/services/auction"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 12 * time.Second
	pingPeriod     = 3 * time.Second // must be < pongWait
	maxMessageSize = 512
	handlerTimeout = 1900 * time.Millisecond
)

type WsServer struct {
	hub        *Hub
	bus        broadcast.Bus
	router     *Router
	upgrader   websocket.Upgrader
	auctionSvc auction.IAuctionService
}

func NewWsServer(h *Hub, bus broadcast.Bus, auctionSvc auction.IAuctionService) *WsServer {
	srv := &WsServer{
		hub:    h,
		bus:    bus,
		router: NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true }, // dev-only
		},
		auctionSvc: auctionSvc,
	}
	srv.registerHandlers()
	return srv
}

// Handle upgrades GET /ws. The topic query selects what the client hears:
// auction:<id>, user:<id> or all. auction_id and user_id name the peer; an
// auction_id alone implies its auction topic.
func (s *WsServer) Handle(ginCtx *gin.Context) {
	cc := &ConnContext{
		AuctionID: ginCtx.Query("auction_id"),
		UserID:    ginCtx.Query("user_id"),
		IPAddress: ginCtx.ClientIP(),
		UserAgent: ginCtx.Request.UserAgent(),
	}
	topic := ginCtx.Query("topic")
	if topic == "" && cc.AuctionID != "" {
		topic = broadcast.AuctionTopic(cc.AuctionID)
	}
	if !validTopic(topic) {
		ginCtx.JSON(http.StatusBadRequest, gin.H{"error": "topic must be auction:<id>, user:<id> or all"})
		return
	}
	if cc.AuctionID == "" {
		cc.AuctionID = strings.TrimPrefix(topic, "auction:")
		if cc.AuctionID == topic {
			cc.AuctionID = ""
		}
	}

	rawConn, err := s.upgrader.Upgrade(ginCtx.Writer, ginCtx.Request, nil)
	if err != nil {
		zap.L().Warn("ws.accept", zap.Error(err))
		return
	}
	rawConn.SetReadLimit(maxMessageSize)
	conn := newClientConn(rawConn)

	topics := []string{topic}
	if cc.UserID != "" && topic != broadcast.UserTopic(cc.UserID) {
		topics = append(topics, broadcast.UserTopic(cc.UserID))
	}
	unsubs := make([]func(), 0, len(topics))
	for _, t := range topics {
		s.hub.Join(t, conn)
		unsubs = append(unsubs, s.bus.Subscribe(t, s.forward(conn)))
	}

	if cc.AuctionID != "" {
		s.pushInitialSnapshot(ginCtx.Request.Context(), cc.AuctionID, conn)
	}

	done := make(chan struct{})
	go func() {
		defer func() {
			close(done)
			for i, t := range topics {
				unsubs[i]()
				s.hub.Leave(t, conn)
			}
			conn.close()
		}()
		s.reader(cc, conn)
	}()
	go s.pinger(conn, done)
}

func validTopic(topic string) bool {
	switch {
	case topic == broadcast.AllTopic:
		return true
	case strings.HasPrefix(topic, "auction:"):
		return len(topic) > len("auction:")
	case strings.HasPrefix(topic, "user:"):
		return len(topic) > len("user:")
	}
	return false
}

// forward writes bus events to the socket as {"event": <type>, "body": <event>}.
func (s *WsServer) forward(conn *clientConn) broadcast.Callback {
	return func(evt broadcast.Event) {
		if err := conn.writeJSON(map[string]any{"event": evt.Type, "body": evt}); err != nil {
			conn.close()
		}
	}
}

func (s *WsServer) registerHandlers() {
	Register(
		s.router,
		"auctions/bid",
		func(ctx context.Context, cc *ConnContext, req BidRequest) (BidAck, error) {
			if cc.AuctionID == "" || cc.UserID == "" {
				return BidAck{}, errors.New("auction_id and user_id are required to bid")
			}
			bid, err := s.auctionSvc.PlaceBid(ctx, auction.PlaceBidRequest{
				AuctionID: cc.AuctionID,
				BidderID:  cc.UserID,
				Amount:    req.Amount,
				MaxBid:    req.MaxBid,
				IPAddress: cc.IPAddress,
				UserAgent: cc.UserAgent,
			})
			if err != nil {
				return BidAck{}, err
			}
			return BidAck{BidID: bid.ID, Amount: bid.Amount, Status: string(bid.Status)}, nil
		},
	)
}

func (s *WsServer) pushInitialSnapshot(ctx context.Context, id string, conn *clientConn) {
	ctx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()

	dto, err := s.auctionSvc.GetAuction(ctx, id)
	if err != nil {
		if !errors.Is(err, auction.ErrAuctionNotFound) {
			zap.L().Warn("ws.snapshot", zap.String("auction_id", id), zap.Error(err))
		}
		return
	}
	_ = conn.writeJSON(gin.H{
		"event": "auctions/snapshot",
		"body":  dto,
	})
}

func (s *WsServer) reader(cc *ConnContext, conn *clientConn) {
	_ = conn.rawConn.SetReadDeadline(time.Now().Add(pongWait))
	conn.rawConn.SetPongHandler(func(string) error {
		return conn.rawConn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env Envelope
		if err := conn.rawConn.ReadJSON(&env); err != nil {
			return // client closed or errored
		}

		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		res, err := s.router.dispatch(ctx, cc, env)
		cancel()

		// ---- error -> {"event":"error", "body":{...}} ---------------
		if err != nil {
			_ = conn.writeJSON(map[string]any{
				"event": "error",
				"body":  errorBody(err),
			})
			continue
		}

		// ---- success -> {"event":"<evt>-ack", "body":{...}} --------
		reply := map[string]any{"event": env.Event + "-ack"}
		if res != nil {
			reply["body"] = res
		}
		_ = conn.writeJSON(reply)
	}
}

func errorBody(err error) ErrorBody {
	var ve *auction.ValidationError
	if errors.As(err, &ve) {
		suggested := ve.Result.SuggestedBid
		return ErrorBody{Error: "bid_rejected", Errors: ve.Result.Errors, SuggestedBid: &suggested}
	}
	if errors.Is(err, auction.ErrStoreUnavailable) {
		return ErrorBody{Error: auction.ErrStoreUnavailable.Error()}
	}
	return ErrorBody{Error: err.Error()}
}

func (s *WsServer) pinger(conn *clientConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				conn.close()
				return
			}
		}
	}
}

// Dispose closes every open connection.
func (s *WsServer) Dispose() {
	s.hub.CloseAll()
}
