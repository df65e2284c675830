package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/terminal-bench/auctionhouse/internal/auction"
	"github.com/terminal-bench/auctionhouse/internal/bidding"
	"github.com/terminal-bench/auctionhouse/internal/models"
	"github.com/terminal-bench/auctionhouse/internal/users"
	"github.com/terminal-bench/auctionhouse/pkg/money"
)

// Users

type registerRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account, err := s.users.Register(c.Request.Context(), req.Username, req.Password)
	if errors.Is(err, users.ErrUsernameTaken) {
		c.JSON(http.StatusConflict, gin.H{"error": "username already taken"})
		return
	}
	if errors.Is(err, users.ErrInvalidCredentials) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username required and password must be at least 6 characters"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"user": account})
}

func (s *Server) login(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	token, account, err := s.users.Login(c.Request.Context(), req.Username, req.Password)
	if errors.Is(err, users.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "user": account})
}

func (s *Server) getBalance(c *gin.Context) {
	account, err := s.users.Balance(c.Request.Context(), currentUser(c))
	if errors.Is(err, users.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "balance lookup failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"available":         account.Available,
		"locked":            account.Locked,
		"available_display": money.Format(account.Available),
		"locked_display":    money.Format(account.Locked),
	})
}

type depositRequest struct {
	Amount string `json:"amount" binding:"required"`
}

func (s *Server) deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil || amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a positive decimal with at most two places"})
		return
	}

	userID := currentUser(c)
	if err := s.users.Deposit(c.Request.Context(), userID, amount, "Account top-up"); err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deposit failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deposited": amount, "deposited_display": money.Format(amount)})
}

func (s *Server) listTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	txs, err := s.users.Transactions(c.Request.Context(), currentUser(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transaction lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

func (s *Server) refundFinished(c *gin.Context) {
	refunded, err := s.bids.RefundFinishedAuctionBids(c.Request.Context(), currentUser(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refund sweep failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunded": refunded})
}

// Auctions

type roundSpecRequest struct {
	Winners  int `json:"winners"`
	Duration int `json:"duration"`
}

type createAuctionRequest struct {
	ItemID             string             `json:"item_id" binding:"required"`
	ItemName           string             `json:"item_name" binding:"required"`
	StartPrice         string             `json:"start_price" binding:"required"`
	MinStep            string             `json:"min_step" binding:"required"`
	StartAt            time.Time          `json:"start_at" binding:"required"`
	Duration           int                `json:"duration"`
	AntiSnipingSeconds int                `json:"anti_sniping_seconds"`
	WinnersPerRound    int                `json:"winners_per_round"`
	TotalRounds        int                `json:"total_rounds" binding:"required"`
	Rounds             []roundSpecRequest `json:"rounds"`
}

func (s *Server) createAuction(c *gin.Context) {
	var req createAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	startPrice, err := money.Parse(req.StartPrice)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start price"})
		return
	}
	minStep, err := money.Parse(req.MinStep)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid min step"})
		return
	}

	rounds := make([]models.RoundSpec, 0, len(req.Rounds))
	for _, r := range req.Rounds {
		rounds = append(rounds, models.RoundSpec{Winners: r.Winners, Duration: r.Duration})
	}

	created, err := s.auctions.Create(c.Request.Context(), auction.CreateParams{
		ItemID:             req.ItemID,
		ItemName:           req.ItemName,
		SellerID:           currentUser(c),
		StartPrice:         startPrice,
		MinStep:            minStep,
		StartAt:            req.StartAt,
		Duration:           req.Duration,
		AntiSnipingSeconds: req.AntiSnipingSeconds,
		WinnersPerRound:    req.WinnersPerRound,
		TotalRounds:        req.TotalRounds,
		Rounds:             rounds,
	})
	if errors.Is(err, auction.ErrInvalidAuction) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "auction creation failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"auction": created})
}

func (s *Server) listAuctions(c *gin.Context) {
	auctions, err := s.auctions.ListVisible(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "auction lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"auctions": auctions})
}

func (s *Server) getAuction(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auction ID"})
		return
	}

	a, err := s.auctions.Get(c.Request.Context(), id)
	if errors.Is(err, auction.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "auction not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "auction lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"auction": a})
}

func (s *Server) cancelAuction(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auction ID"})
		return
	}

	a, err := s.auctions.Get(c.Request.Context(), id)
	if errors.Is(err, auction.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "auction not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "auction lookup failed"})
		return
	}
	if a.SellerID != currentUser(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the seller can cancel"})
		return
	}

	err = s.auctions.Cancel(c.Request.Context(), id)
	if errors.Is(err, auction.ErrNotCancellable) {
		c.JSON(http.StatusConflict, gin.H{"error": "auction cannot be cancelled"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "auction cancelled"})
}

func (s *Server) listBids(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auction ID"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	bids, err := s.auctions.Bids(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bid lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bids": bids})
}

func (s *Server) listMyBids(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auction ID"})
		return
	}

	bids, err := s.auctions.UserBids(c.Request.Context(), id, currentUser(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bid lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bids": bids})
}

type placeBidRequest struct {
	Amount string `json:"amount" binding:"required"`
}

func (s *Server) placeBid(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auction ID"})
		return
	}
	var req placeBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a decimal with at most two places"})
		return
	}

	result, err := s.bids.PlaceBid(c.Request.Context(), id, currentUser(c), amount)
	if err != nil {
		s.bidError(c, err)
		return
	}
	s.recorder.BidPlaced(id.String(), amount, result.Extended)

	c.JSON(http.StatusCreated, gin.H{
		"bid":      result.Bid,
		"auction":  result.Auction,
		"extended": result.Extended,
	})
}

// bidError maps the bidding error taxonomy onto HTTP statuses. Contention
// is the only retryable class and is reported as 503 so clients back off
// and try again.
func (s *Server) bidError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, bidding.ErrAuctionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "auction not found"})
	case errors.Is(err, bidding.ErrAuctionNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": "auction is not active"})
	case errors.Is(err, bidding.ErrAuctionEnded):
		c.JSON(http.StatusConflict, gin.H{"error": "auction round has ended"})
	case errors.Is(err, bidding.ErrAlreadyWon):
		c.JSON(http.StatusConflict, gin.H{"error": "you have already won this auction"})
	case errors.Is(err, bidding.ErrBidTooLow):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, bidding.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
	case errors.Is(err, bidding.ErrInsufficientBalance):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient available balance"})
	case errors.Is(err, bidding.ErrContended):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auction is being processed, please try again", "retryable": true})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bid failed"})
	}
}
