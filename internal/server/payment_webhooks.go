package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const stripeSignatureHeader = "Stripe-Signature"

// maxWebhookBytes bounds the webhook body. Larger bodies are rejected with
// 413, never truncated.
const maxWebhookBytes = 256 << 10

func (s *Server) HandleStripeWebhook(c *gin.Context) {
	if s.webhooks == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, ErrPayloadTooLarge)
			return
		}
		AbortWithError(c, invalidRequestError())
		return
	}

	if _, err := s.webhooks.ApplyWebhook(c.Request.Context(), payload, c.GetHeader(stripeSignatureHeader)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
