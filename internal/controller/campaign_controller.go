// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/handler"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/phone"
	"github.com/unclebandit/campaign-dispatcher/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
	Phone           *phone.Normalizer
	Log             zerolog.Logger
	validate        *validator.Validate
}

func NewCampaignController(svc *service.CampaignService, normalizer *phone.Normalizer, log zerolog.Logger) *CampaignController {
	return &CampaignController{
		CampaignService: svc,
		Phone:           normalizer,
		Log:             log.With().Str("component", "campaign_controller").Logger(),
		validate:        validator.New(),
	}
}

func (c *CampaignController) Register(r chi.Router) {
	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", c.CreateCampaign)
		r.Get("/", c.ListCampaigns)
		r.Post("/preview", c.PreviewRecipients)
		r.Get("/{id}", c.GetStatus)
		r.Get("/{id}/messages", c.ListMessages)
		r.Post("/{id}/start", c.control(c.CampaignService.Start))
		r.Post("/{id}/pause", c.control(c.CampaignService.Pause))
		r.Post("/{id}/resume", c.control(c.CampaignService.Resume))
		r.Post("/{id}/cancel", c.control(c.CampaignService.Cancel))
	})
	r.Get("/tenants/{tenantID}/quota", c.Quota)
}

type filterRequest struct {
	MinPoints           *int     `json:"min_points" validate:"omitempty,min=0"`
	LastVisitWithinDays *int     `json:"last_visit_within_days" validate:"omitempty,min=1"`
	Phones              []string `json:"phones" validate:"omitempty,max=100000,dive,required"`
	MaxRecipients       int      `json:"max_recipients" validate:"min=0"`
}

func (f filterRequest) toModel() model.Filter {
	return model.Filter{
		MinPoints:           f.MinPoints,
		LastVisitWithinDays: f.LastVisitWithinDays,
		Phones:              f.Phones,
		MaxRecipients:       f.MaxRecipients,
	}
}

type createCampaignRequest struct {
	TenantID        string            `json:"tenant_id" validate:"required"`
	Name            string            `json:"name" validate:"max=200"`
	Message         string            `json:"message" validate:"required_without=TemplateRef"`
	TemplateRef     string            `json:"template_ref"`
	Variables       map[string]string `json:"variables"`
	Filter          filterRequest     `json:"filter"`
	Preset          string            `json:"preset" validate:"omitempty,oneof=conservative normal aggressive"`
	BatchSize       *int              `json:"batch_size" validate:"omitempty,min=1"`
	InterBatchDelay *string           `json:"inter_batch_delay"` // Go duration, e.g. "3m"
	ScheduledAt     *time.Time        `json:"scheduled_at"`
	AutoStart       bool              `json:"auto_start"`
}

type previewRequest struct {
	TenantID string        `json:"tenant_id" validate:"required"`
	Filter   filterRequest `json:"filter"`
}

func (c *CampaignController) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return appErrors.BadRequest("invalid body: %v", err)
	}
	return c.validate.Struct(dst)
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body createCampaignRequest
	if err := c.decode(r, &body); err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}

	in := service.CreateCampaignInput{
		TenantID:    body.TenantID,
		Name:        body.Name,
		Message:     body.Message,
		TemplateRef: body.TemplateRef,
		Variables:   body.Variables,
		Filter:      body.Filter.toModel(),
		Preset:      body.Preset,
		BatchSize:   body.BatchSize,
		ScheduledAt: body.ScheduledAt,
		AutoStart:   body.AutoStart,
	}
	if body.InterBatchDelay != nil {
		d, err := time.ParseDuration(*body.InterBatchDelay)
		if err != nil {
			handler.WriteError(w, c.Log, appErrors.BadRequest("inter_batch_delay: %v", err))
			return
		}
		in.InterBatchDelay = &d
	}

	campaign, exclusions, err := c.CampaignService.CreateCampaign(r.Context(), in)
	if err != nil && campaign == nil {
		handler.WriteError(w, c.Log, err)
		return
	}
	resp := map[string]interface{}{
		"campaign":   campaign,
		"exclusions": exclusions,
	}
	if err != nil {
		// created but the auto start was rejected
		resp["start_error"] = err.Error()
	}
	handler.WriteJSON(w, http.StatusCreated, resp)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	tenantID := r.URL.Query().Get("tenant_id")
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), tenantID, status, page, pageSize)
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := c.CampaignService.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, st)
}

type messageView struct {
	model.OutboundMessage
	PhoneDisplay string `json:"phone_display"`
}

func (c *CampaignController) ListMessages(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	status := r.URL.Query().Get("status")

	msgs, pagination, err := c.CampaignService.ListMessages(r.Context(), chi.URLParam(r, "id"), status, page, pageSize)
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}

	views := make([]messageView, len(msgs))
	for i, m := range msgs {
		views[i] = messageView{OutboundMessage: m, PhoneDisplay: c.Phone.Display(m.Phone)}
	}
	handler.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"data":       views,
		"pagination": pagination,
	})
}

// control adapts a state-machine operation to a POST handler that replies
// with the campaign's status afterwards.
func (c *CampaignController) control(op func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := op(r.Context(), id); err != nil {
			handler.WriteError(w, c.Log, err)
			return
		}
		st, err := c.CampaignService.GetStatus(r.Context(), id)
		if err != nil {
			handler.WriteError(w, c.Log, err)
			return
		}
		handler.WriteJSON(w, http.StatusOK, st)
	}
}

func (c *CampaignController) PreviewRecipients(w http.ResponseWriter, r *http.Request) {
	var body previewRequest
	if err := c.decode(r, &body); err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}

	preview, err := c.CampaignService.PreviewRecipients(r.Context(), body.TenantID, body.Filter.toModel())
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, preview)
}

func (c *CampaignController) Quota(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(chi.URLParam(r, "tenantID"))
	if tenantID == "" {
		handler.WriteError(w, c.Log, appErrors.BadRequest("tenant id is required"))
		return
	}
	q, err := c.CampaignService.Quota(r.Context(), tenantID)
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, q)
}
