package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wei-Shaw/gatekit/internal/pkg/response"
	"github.com/Wei-Shaw/gatekit/internal/service"
)

// AdminHandler manages API clients and their policies.
type AdminHandler struct {
	credentialService *service.CredentialService
}

func NewAdminHandler(credentialService *service.CredentialService) *AdminHandler {
	return &AdminHandler{credentialService: credentialService}
}

type CreateClientRequest struct {
	Name string `json:"name" binding:"required,min=1,max=128"`
}

// APIClientView hides the key hash from list responses.
type APIClientView struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CreateClientResponse struct {
	Client APIClientView `json:"client"`
	// APIKey is returned exactly once; only its hash is stored.
	APIKey string `json:"api_key"`
}

func clientView(client *service.APIClient) APIClientView {
	return APIClientView{
		ID:        client.ID,
		Name:      client.Name,
		Enabled:   client.Enabled,
		CreatedAt: client.CreatedAt,
		UpdatedAt: client.UpdatedAt,
	}
}

// CreateClient registers a client and mints its API key.
// POST /api/admin/clients
func (h *AdminHandler) CreateClient(c *gin.Context) {
	var req CreateClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	client, rawKey, err := h.credentialService.CreateClient(c.Request.Context(), req.Name)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Created(c, CreateClientResponse{
		Client: clientView(client),
		APIKey: rawKey,
	})
}

// ListClients pages through registered clients.
// GET /api/admin/clients?page=1&page_size=20
func (h *AdminHandler) ListClients(c *gin.Context) {
	page, pageSize := response.ParsePagination(c)

	clients, total, err := h.credentialService.ListClients(c.Request.Context(), page, pageSize)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	views := make([]APIClientView, 0, len(clients))
	for i := range clients {
		views = append(views, clientView(&clients[i]))
	}
	response.Paginated(c, views, total, page, pageSize)
}

type SetClientEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SetClientEnabled flips a client's enabled flag.
// PUT /api/admin/clients/:id/enabled
func (h *AdminHandler) SetClientEnabled(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "invalid client id")
		return
	}
	var req SetClientEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	if err := h.credentialService.SetClientEnabled(c.Request.Context(), id, *req.Enabled); err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, gin.H{"id": id, "enabled": *req.Enabled})
}
