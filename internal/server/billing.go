package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/rebill/internal/billing"
)

type batchErrorItem struct {
	SubscriptionID string `json:"subscription_id"`
	Message        string `json:"message"`
}

type batchResultResponse struct {
	Processed int              `json:"processed"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Skipped   int              `json:"skipped"`
	Errors    []batchErrorItem `json:"errors,omitempty"`
}

func toBatchResultResponse(result billing.BatchResult) batchResultResponse {
	resp := batchResultResponse{
		Processed: result.Processed,
		Succeeded: result.Succeeded,
		Failed:    result.Failed,
		Skipped:   result.Skipped,
	}
	for _, batchErr := range result.Errors {
		resp.Errors = append(resp.Errors, batchErrorItem{
			SubscriptionID: batchErr.SubscriptionID.String(),
			Message:        batchErr.Err.Error(),
		})
	}
	return resp
}

// RunBilling triggers one synchronous billing pass and reports the
// batch counts. Intended for operators and local development;
// production runs rely on the background worker.
func (s *Server) RunBilling(c *gin.Context) {
	result, err := s.processor.RunOnce(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toBatchResultResponse(result))
}
