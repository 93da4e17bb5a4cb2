package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"receipt-api/internal/response"
	"receipt-api/pkg/logging"
)

// PubSubPushRequest is the envelope Pub/Sub posts to push endpoints
type PubSubPushRequest struct {
	Message struct {
		Data      string `json:"data"` // base64 encoded DeveloperNotification
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DeveloperNotification represents Google Play Real-Time Developer Notification
type DeveloperNotification struct {
	Version                  string                    `json:"version"`
	PackageName              string                    `json:"packageName"`
	EventTimeMillis          string                    `json:"eventTimeMillis"`
	SubscriptionNotification *SubscriptionNotification `json:"subscriptionNotification"`
	TestNotification         *struct {
		Version string `json:"version"`
	} `json:"testNotification"`
}

// SubscriptionNotification carries the purchase a notification is about
type SubscriptionNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SubscriptionID   string `json:"subscriptionId"`
}

var subscriptionNotificationTypes = map[int]string{
	1:  "recovered",
	2:  "renewed",
	3:  "canceled",
	4:  "purchased",
	5:  "on_hold",
	6:  "in_grace_period",
	7:  "restarted",
	8:  "price_change_confirmed",
	9:  "deferred",
	10: "paused",
	11: "pause_schedule_changed",
	12: "revoked",
	13: "expired",
}

// GooglePlayNotification re-derives the entitlement of a notified purchase
// from the Play API; the notification type is only used for logging.
// Answering non-2xx makes Pub/Sub redeliver.
// POST /api/iap/google/notifications
func (h *Handler) GooglePlayNotification(c *gin.Context) {
	startTime := time.Now()

	var push PubSubPushRequest
	if err := c.ShouldBindJSON(&push); err != nil {
		logging.Errorf("Failed to parse Pub/Sub push: %v", err)
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid notification format")
		return
	}

	data, err := base64.StdEncoding.DecodeString(push.Message.Data)
	if err != nil {
		logging.Errorf("Failed to decode notification data: %v", err)
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid notification data")
		return
	}
	var notification DeveloperNotification
	if err := json.Unmarshal(data, &notification); err != nil {
		logging.Errorf("Failed to parse developer notification: %v", err)
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid notification data")
		return
	}

	if notification.TestNotification != nil || notification.SubscriptionNotification == nil {
		h.recordNotification("ignored", "ok")
		response.MessageJSON(c, "Notification ignored")
		return
	}
	if h.packageName != "" && notification.PackageName != h.packageName {
		logging.Warnf("Ignoring notification for package %s", notification.PackageName)
		h.recordNotification("foreign_package", "ok")
		response.MessageJSON(c, "Notification ignored")
		return
	}

	sub := notification.SubscriptionNotification
	notificationType, ok := subscriptionNotificationTypes[sub.NotificationType]
	if !ok {
		notificationType = "unknown"
	}
	if sub.PurchaseToken == "" || sub.SubscriptionID == "" {
		logging.Errorf("Missing purchaseToken or subscriptionId in notification")
		response.ErrorJSON(c, http.StatusBadRequest, "Missing required fields: purchaseToken or subscriptionId")
		return
	}

	if h.dedup.Seen(push.Message.MessageID) {
		h.recordNotification(notificationType, "duplicate")
		response.MessageJSON(c, "Notification already processed")
		return
	}

	entitlement, err := h.verification.RefreshFromPlayNotification(c.Request.Context(), sub.PurchaseToken, sub.SubscriptionID)
	if err != nil {
		h.dedup.Forget(push.Message.MessageID)
		logging.Errorf("Failed to refresh entitlement from %s notification: %v", notificationType, err)
		h.recordNotification(notificationType, "error")
		response.ErrorJSON(c, http.StatusInternalServerError, "Notification will be retried")
		return
	}

	outcome := "updated"
	if entitlement == nil {
		outcome = "unknown_purchase"
	}
	h.recordNotification(notificationType, outcome)

	logging.Infof("Google Play notification processed - type: %s, subscription: %s, outcome: %s, time: %v",
		notificationType, sub.SubscriptionID, outcome, time.Since(startTime))
	response.MessageJSON(c, "Notification processed successfully")
}

func (h *Handler) recordNotification(notificationType, outcome string) {
	if h.metrics != nil {
		h.metrics.RecordNotification(notificationType, outcome)
	}
}
