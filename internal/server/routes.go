package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/notify"
	"github.com/zulandar/signalbox/internal/order"
	"github.com/zulandar/signalbox/internal/telegraph"
)

type routeDeps struct {
	orders     order.Store
	hub        *notify.Hub
	ws         http.Handler
	auth       notify.Authenticator
	adminToken string
	logger     *zap.Logger
}

// registerRoutes sets up all routes on the Gin router.
func registerRoutes(router *gin.Engine, d routeDeps) {
	router.GET("/healthz", handleHealth(d.hub))
	router.GET("/ws", gin.WrapH(d.ws))

	api := router.Group("/api")
	api.GET("/orders/:id", handleOrder(d))

	admin := api.Group("", requireAdmin(d.adminToken))
	admin.GET("/orders/:id/card", handleCardPreview(d))
	admin.POST("/announce", handleAnnounce(d))
}

func handleHealth(hub *notify.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		users, conns := hub.Stats()
		c.JSON(http.StatusOK, gin.H{"status": "ok", "users": users, "connections": conns})
	}
}

// orderView is the state a client re-fetches after missing events.
type orderView struct {
	ID            uint       `json:"id"`
	Subject       string     `json:"subject,omitempty"`
	Status        string     `json:"status"`
	Stage         string     `json:"stage"`
	Progress      int        `json:"progress"`
	Price         int64      `json:"price"`
	Discount      int        `json:"discount_percent"`
	BonusApplied  int64      `json:"bonus_applied"`
	FinalPrice    int64      `json:"final_price"`
	Paid          int64      `json:"paid"`
	Remaining     int64      `json:"remaining"`
	Category      string     `json:"work_category,omitempty"`
	Deadline      string     `json:"deadline,omitempty"`
	Revisions     int        `json:"revision_count"`
	UserCanCancel bool       `json:"user_can_cancel"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func newOrderView(o *models.Order) orderView {
	s := order.Status(o.Status)
	return orderView{
		ID:            o.ID,
		Subject:       o.Subject,
		Status:        o.Status,
		Stage:         string(order.DeriveStage(s)),
		Progress:      o.ProgressPercent,
		Price:         o.Price,
		Discount:      o.DiscountPercent,
		BonusApplied:  o.BonusApplied,
		FinalPrice:    order.FinalPrice(o),
		Paid:          o.PaidAmount,
		Remaining:     order.Remaining(o),
		Category:      o.WorkCategory,
		Deadline:      o.DeadlineLabel,
		Revisions:     o.RevisionCount,
		UserCanCancel: order.UserCanCancel(s),
		UpdatedAt:     o.UpdatedAt,
		DeliveredAt:   o.DeliveredAt,
		CompletedAt:   o.CompletedAt,
	}
}

// handleOrder returns an order to its owner. Other users get 404 so order
// ids cannot be probed.
func handleOrder(d routeDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := d.auth(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		o, ok := loadOrder(c, d)
		if !ok {
			return
		}
		if o.CustomerID != userID {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		c.JSON(http.StatusOK, newOrderView(o))
	}
}

type cardView struct {
	Title   string       `json:"title"`
	Text    string       `json:"text"`
	Tag     string       `json:"tag"`
	Stage   string       `json:"stage"`
	Color   string       `json:"color"`
	Buttons []buttonView `json:"buttons"`
}

type buttonView struct {
	Label   string `json:"label"`
	Payload string `json:"payload"`
	Style   string `json:"style"`
}

func handleCardPreview(d routeDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, ok := loadOrder(c, d)
		if !ok {
			return
		}
		card := telegraph.Render(o, c.Query("note"))
		view := cardView{
			Title:   card.Title,
			Text:    card.Text,
			Tag:     card.Tag,
			Stage:   string(card.Stage),
			Color:   card.Color,
			Buttons: make([]buttonView, 0, len(card.Buttons)),
		}
		for _, b := range card.Buttons {
			view.Buttons = append(view.Buttons, buttonView{Label: b.Label, Payload: b.Payload, Style: string(b.Style)})
		}
		c.JSON(http.StatusOK, view)
	}
}

type announceRequest struct {
	Title   string  `json:"title" binding:"required"`
	Text    string  `json:"text" binding:"required"`
	Exclude []int64 `json:"exclude"`
}

func handleAnnounce(d routeDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req announceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		// The broadcast outlives an admin client that hangs up.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), announceTimeout)
		defer cancel()
		n := d.hub.Broadcast(ctx, notify.NotificationEvent(req.Title, req.Text), req.Exclude...)
		d.logger.Info("server: announcement", zap.String("title", req.Title), zap.Int("delivered", n))
		c.JSON(http.StatusOK, gin.H{"delivered": n})
	}
}

func loadOrder(c *gin.Context, d routeDeps) (*models.Order, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return nil, false
	}
	o, err := d.orders.Get(c.Request.Context(), uint(id))
	if errors.Is(err, order.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return nil, false
	}
	if err != nil {
		d.logger.Error("server: load order", zap.Uint64("order_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return nil, false
	}
	return o, true
}

// requireAdmin checks for "Authorization: Bearer <token>".
func requireAdmin(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin api disabled"})
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
