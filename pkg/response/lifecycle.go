package response

import (
	"github.com/gin-gonic/gin"

	"github.com/questforge/backend/internal/lifecycle"
)

// LifecycleError maps a lifecycle failure to a status code and a precise,
// actionable message. Every taxonomy tag names exactly which precondition
// failed, so callers never see a generic "something went wrong".
func LifecycleError(c *gin.Context, err error) {
	switch lifecycle.TagOf(err) {
	case lifecycle.TagInvalidTransition:
		Conflict(c, err.Error())
	case lifecycle.TagMissingReason, lifecycle.TagInvalidInput:
		BadRequest(c, err.Error())
	case lifecycle.TagConcurrentModification:
		Conflict(c, err.Error()+"; refetch and retry")
	case lifecycle.TagNotFound:
		NotFound(c, err.Error())
	default:
		Internal(c, err.Error())
	}
}
