package auctionhandler

import (
	"errors"
	"net/http"

	"bidengine/internal/services/auction"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handler struct {
	svc auction.IAuctionService
}

func New(svc auction.IAuctionService) *Handler { return &Handler{svc: svc} }

func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/auctions", h.list)
	r.POST("/auctions", h.create)
	r.GET("/auctions/:id", h.info)
	r.POST("/auctions/:id/activate", h.activate)
	r.POST("/auctions/:id/cancel", h.cancel)
	r.GET("/auctions/:id/bids", h.bids)
	r.GET("/auctions/:id/history", h.history)
	r.GET("/auctions/:id/winning-bid", h.winningBid)
	r.POST("/auctions/:id/bids/validate", h.validateBid)
	r.POST("/auctions/:id/bids", h.placeBid)
}

// @Summary		Get auction details
// @Description	Returns an auction with its leading bid and the next minimum bid.
// @Tags			Auctions
// @Param			id	path		string	true	"Auction ID"
// @Success		200	{object}	auction.AuctionDTO
// @Failure		404	{object}	ErrorResponse
// @Router			/auctions/{id} [get]
func (h *Handler) info(c *gin.Context) {
	dto, err := h.svc.GetAuction(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto)
}

// @Summary		List auctions
// @Description	Retrieves a paginated list of auctions, optionally filtered by status.
// @Tags			Auctions
// @Param			status	query		string	false	"Status filter"			Enums(draft,active,ended,cancelled)
// @Param			limit	query		int		false	"Max results (0‑100)"	minimum(0)	maximum(100)	default(10)
// @Param			offset	query		int		false	"Offset for pagination"	minimum(0)	default(0)
// @Success		200		{array}		models.Auction
// @Failure		400		{object}	ErrorResponse
// @Failure		500		{object}	ErrorResponse
// @Router			/auctions [get]
func (h *Handler) list(c *gin.Context) {
	var q ListAuctionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	out, err := h.svc.ListAuctions(c.Request.Context(), q.Status, q.Limit, q.Offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary		Create an auction
// @Description	Creates a draft. It becomes active at start_time.
// @Tags			Auctions
// @Param			body	body		CreateAuctionBody	true	"Auction payload"
// @Success		201		{object}	models.Auction
// @Failure		400		{object}	ErrorResponse
// @Router			/auctions [post]
func (h *Handler) create(c *gin.Context) {
	var body CreateAuctionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	a, err := h.svc.CreateAuction(c.Request.Context(), auction.CreateAuctionInput{
		Title:        body.Title,
		StartingBid:  body.StartingBid,
		ReservePrice: body.ReservePrice,
		BidIncrement: body.BidIncrement,
		StartTime:    body.StartTime,
		EndTime:      body.EndTime,
		CreatedBy:    body.CreatedBy,
		Featured:     body.Featured,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

// @Summary		Activate an auction
// @Description	Moves a draft whose start time has passed to active.
// @Tags			Auctions
// @Param			id	path		string	true	"Auction ID"
// @Success		200	{object}	models.Auction
// @Failure		409	{object}	ErrorResponse
// @Router			/auctions/{id}/activate [post]
func (h *Handler) activate(c *gin.Context) {
	a, err := h.svc.ActivateAuction(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// @Summary		Cancel an auction
// @Description	Cancels a draft or active auction immediately. All bids are marked lost.
// @Tags			Auctions
// @Param			id		path		string				true	"Auction ID"
// @Param			body	body		CancelAuctionBody	true	"Actor"
// @Success		200		{object}	models.Auction
// @Failure		409		{object}	ErrorResponse
// @Router			/auctions/{id}/cancel [post]
func (h *Handler) cancel(c *gin.Context) {
	var body CancelAuctionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	a, err := h.svc.CancelAuction(c.Request.Context(), c.Param("id"), body.ActorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// @Summary		List bids
// @Description	Every bid on the auction, newest first.
// @Tags			Bids
// @Param			id	path		string	true	"Auction ID"
// @Success		200	{array}		models.Bid
// @Failure		404	{object}	ErrorResponse
// @Router			/auctions/{id}/bids [get]
func (h *Handler) bids(c *gin.Context) {
	out, err := h.svc.ListBids(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary		Bid history
// @Tags			Bids
// @Param			id	path		string	true	"Auction ID"
// @Success		200	{array}		models.BidHistory
// @Failure		404	{object}	ErrorResponse
// @Router			/auctions/{id}/history [get]
func (h *Handler) history(c *gin.Context) {
	out, err := h.svc.ListHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary		Current winning bid
// @Description	winning_bid is null until somebody bids.
// @Tags			Bids
// @Param			id	path		string	true	"Auction ID"
// @Success		200	{object}	WinningBidResponse
// @Failure		404	{object}	ErrorResponse
// @Router			/auctions/{id}/winning-bid [get]
func (h *Handler) winningBid(c *gin.Context) {
	id := c.Param("id")
	lead, err := h.svc.GetCurrentWinningBid(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, WinningBidResponse{AuctionID: id, WinningBid: lead})
}

// @Summary		Validate a bid
// @Description	Checks a bid without placing it. Always 200; see is_valid.
// @Tags			Bids
// @Param			id		path		string			true	"Auction ID"
// @Param			body	body		ValidateBidBody	true	"Bid payload"
// @Success		200		{object}	auction.ValidationResult
// @Failure		400		{object}	ErrorResponse
// @Router			/auctions/{id}/bids/validate [post]
func (h *Handler) validateBid(c *gin.Context) {
	var body ValidateBidBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	res, err := h.svc.ValidateBid(c.Request.Context(), c.Param("id"), body.Amount, body.BidderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// @Summary		Place a bid
// @Description	Places a binding bid. Rejections list every broken rule.
// @Tags			Bids
// @Param			id		path		string			true	"Auction ID"
// @Param			body	body		PlaceBidBody	true	"Bid payload"
// @Success		201		{object}	models.Bid
// @Failure		400		{object}	ErrorResponse
// @Failure		409		{object}	ErrorResponse
// @Failure		422		{object}	BidRejectedResponse
// @Router			/auctions/{id}/bids [post]
func (h *Handler) placeBid(c *gin.Context) {
	var body PlaceBidBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	bid, err := h.svc.PlaceBid(c.Request.Context(), auction.PlaceBidRequest{
		AuctionID: c.Param("id"),
		BidderID:  body.BidderID,
		Amount:    body.Amount,
		MaxBid:    body.MaxBid,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, bid)
}

func writeError(c *gin.Context, err error) {
	var ve *auction.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusUnprocessableEntity, BidRejectedResponse{
			Error:        "bid rejected",
			Errors:       ve.Result.Errors,
			SuggestedBid: ve.Result.SuggestedBid,
			MinIncrement: ve.Result.MinIncrement,
		})
	case errors.Is(err, auction.ErrAuctionNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, auction.ErrInvalidAuctionSpec):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, auction.ErrConcurrencyConflict), errors.Is(err, auction.ErrInvalidTransition):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	default:
		// driver details stay in the log
		zap.L().Error("http.request_failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: auction.ErrStoreUnavailable.Error()})
	}
}
