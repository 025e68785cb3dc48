// internal/template/template.go
package template

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// RenderTemplate replaces {{key}} placeholders. Later maps override earlier
// ones; unknown placeholders are left as written.
func RenderTemplate(template string, data ...map[string]string) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		for i := len(data) - 1; i >= 0; i-- {
			if v, ok := data[i][key]; ok {
				return v
			}
		}
		return m
	})
}

// RecipientVars exposes the recipient's own fields under both the Spanish
// and English placeholder names, plus any per-recipient variables.
func RecipientVars(r model.Recipient) map[string]string {
	vars := map[string]string{
		"nombre":   r.Name,
		"name":     r.Name,
		"puntos":   strconv.Itoa(r.Points),
		"points":   strconv.Itoa(r.Points),
		"telefono": r.Phone,
		"phone":    r.Phone,
	}
	for k, v := range r.Variables {
		vars[k] = v
	}
	return vars
}

// Personalize builds the transport payload for one recipient of a campaign.
func Personalize(c *model.Campaign, r model.Recipient, messageID string) model.Outbound {
	recipientVars := RecipientVars(r)

	merged := make(model.Vars, len(c.Variables)+len(recipientVars))
	for k, v := range c.Variables {
		merged[k] = v
	}
	for k, v := range recipientVars {
		merged[k] = v
	}

	return model.Outbound{
		MessageID:   messageID,
		CampaignID:  c.ID,
		TenantID:    c.TenantID,
		Phone:       r.Phone,
		Body:        RenderTemplate(c.Message, c.Variables, recipientVars),
		TemplateRef: c.TemplateRef,
		Variables:   merged,
	}
}
