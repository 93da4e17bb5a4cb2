package services

import (
	"context"
	"fmt"
	"net/http"

	brevo "github.com/getbrevo/brevo-go/lib"

	"receipt-api/internal/config"
	"receipt-api/internal/models"
)

// BrevoService sends purchase confirmation emails through Brevo
type BrevoService struct {
	client    *brevo.APIClient
	FromEmail string
	FromName  string
}

// NewBrevoService creates a new Brevo service instance, or nil when no API key is configured
func NewBrevoService(cfg *config.Config) *BrevoService {
	if cfg.BrevoAPIKey == "" {
		return nil
	}
	return newBrevoService(cfg.BrevoAPIKey, "", cfg.BrevoFromEmail, cfg.BrevoFromName, nil)
}

func newBrevoService(apiKey, basePath, fromEmail, fromName string, client *http.Client) *BrevoService {
	bcfg := brevo.NewConfiguration()
	bcfg.AddDefaultHeader("api-key", apiKey)
	if basePath != "" {
		bcfg.BasePath = basePath
	}
	if client != nil {
		bcfg.HTTPClient = client
	}
	return &BrevoService{
		client:    brevo.NewAPIClient(bcfg),
		FromEmail: fromEmail,
		FromName:  fromName,
	}
}

// NotifyEntitlement emails the caller a confirmation of the active plan
func (s *BrevoService) NotifyEntitlement(ctx context.Context, identity Identity, entitlement *models.Entitlement) error {
	if s == nil || identity.Email == "" {
		return nil
	}

	subject := fmt.Sprintf("Your %s plan is active", entitlement.Level)
	expires := models.FormatTimestamp(entitlement.ExpiresAt)
	htmlContent := fmt.Sprintf(`
		<!DOCTYPE html>
		<html>
		<head>
			<meta charset="UTF-8">
			<title>Subscription confirmed</title>
		</head>
		<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
			<div style="background-color: #f8f9fa; padding: 30px; border-radius: 10px; text-align: center;">
				<h1 style="color: #333; margin-bottom: 20px;">Thanks for subscribing</h1>
				<p style="color: #666; font-size: 16px;">Your <b>%s</b> (%s) plan is active until %s.</p>
				<p style="color: #999; font-size: 12px; margin-top: 30px;">Manage or cancel your subscription from your app store account.</p>
			</div>
		</body>
		</html>
	`, entitlement.Level, entitlement.Duration, expires)

	textContent := fmt.Sprintf("Thanks for subscribing.\n\nYour %s (%s) plan is active until %s.\n",
		entitlement.Level, entitlement.Duration, expires)

	email := brevo.SendSmtpEmail{
		Sender: &brevo.SendSmtpEmailSender{
			Name:  s.FromName,
			Email: s.FromEmail,
		},
		To: []brevo.SendSmtpEmailTo{
			{Email: identity.Email},
		},
		Subject:     subject,
		HtmlContent: htmlContent,
		TextContent: textContent,
	}

	_, resp, err := s.client.TransactionalEmailsApi.SendTransacEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if resp != nil && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("brevo API error: status %d", resp.StatusCode)
	}
	return nil
}
