package milestone

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/shopspring/decimal"
)

// Actions accepted by POST /jobs/:id/escrow-split.
const (
	ActionCreate          = "create"
	ActionSubmit          = "submit"
	ActionApprove         = "approve"
	ActionRequestRevision = "request-revision"
	ActionUpdate          = "update"
)

// splitEnvelope carries the action tag; the rest of the body is bound into
// the action's own request type.
type splitEnvelope struct {
	Action string `json:"action" binding:"required,oneof=create submit approve request-revision update"`
}

// MilestoneInput is one milestone of a create action.
type MilestoneInput struct {
	Title            string          `json:"title" binding:"required,max=200"`
	Description      string          `json:"description" binding:"max=5000"`
	Amount           int64           `json:"amount" binding:"required,gt=0"`
	Percentage       decimal.Decimal `json:"percentage"`
	DueDate          *time.Time      `json:"dueDate"`
	AutoReleaseHours int             `json:"autoReleaseHours" binding:"omitempty,min=1,max=720"`
}

// CreateAction splits the job into milestones.
type CreateAction struct {
	Milestones []MilestoneInput `json:"milestones" binding:"required,min=1,max=50,dive"`
}

// SubmitAction hands a milestone in for review.
type SubmitAction struct {
	MilestoneID string   `json:"milestoneId" binding:"required"`
	Note        string   `json:"note" binding:"max=5000"`
	Files       []string `json:"files" binding:"max=20,dive,max=2048"`
}

// ApproveAction pays a submitted milestone. Percent defaults to 100.
type ApproveAction struct {
	MilestoneID string           `json:"milestoneId" binding:"required"`
	Percent     *decimal.Decimal `json:"percent"`
	Note        string           `json:"note" binding:"max=5000"`
}

// RevisionAction sends a submitted milestone back with a note.
type RevisionAction struct {
	MilestoneID string `json:"milestoneId" binding:"required"`
	Note        string `json:"note" binding:"required,max=5000"`
}

// UpdateAction edits a milestone that has not been submitted.
type UpdateAction struct {
	MilestoneID string     `json:"milestoneId" binding:"required"`
	Title       *string    `json:"title" binding:"omitempty,max=200"`
	Description *string    `json:"description" binding:"omitempty,max=5000"`
	DueDate     *time.Time `json:"dueDate"`
}

var actionHints = map[string]string{
	ActionCreate:          "milestones must be a non-empty list, each with a title and a positive amount",
	ActionSubmit:          "milestoneId is required",
	ActionApprove:         "milestoneId is required and percent must be a number",
	ActionRequestRevision: "milestoneId and a note are required",
	ActionUpdate:          "milestoneId is required",
}

// bindAction reads the action tag and binds the body into that action's
// request type. The result is one of the *Action types above.
func bindAction(c *gin.Context) (any, error) {
	var env splitEnvelope
	if err := c.ShouldBindBodyWith(&env, binding.JSON); err != nil {
		return nil, fmt.Errorf("action must be one of create, submit, approve, request-revision, update")
	}

	var req any
	switch env.Action {
	case ActionCreate:
		req = &CreateAction{}
	case ActionSubmit:
		req = &SubmitAction{}
	case ActionApprove:
		req = &ApproveAction{}
	case ActionRequestRevision:
		req = &RevisionAction{}
	default:
		req = &UpdateAction{}
	}
	if err := c.ShouldBindBodyWith(req, binding.JSON); err != nil {
		return nil, fmt.Errorf("%s: %s", env.Action, actionHints[env.Action])
	}
	return req, nil
}

func (a *CreateAction) inputs() []Input {
	out := make([]Input, len(a.Milestones))
	for i, m := range a.Milestones {
		out[i] = Input{
			Title:            m.Title,
			Description:      m.Description,
			Amount:           m.Amount,
			Percentage:       m.Percentage,
			DueDate:          m.DueDate,
			AutoReleaseHours: m.AutoReleaseHours,
		}
	}
	return out
}
