package milestone

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/gigledger/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	handler := NewHandler(f.svc)

	r := gin.New()
	v1 := r.Group("/v1")

	// X-User-ID header is a test stand-in for the JWT middleware
	v1.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-User-ID"); id != "" {
			c.Set(auth.ContextKeyUserID, id)
		}
		c.Next()
	})
	handler.RegisterProtectedRoutes(v1)
	return r, f
}

func doJSON(r *gin.Engine, method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type splitResponse struct {
	Milestone  Milestone   `json:"milestone"`
	Milestones []Milestone `json:"milestones"`
	Payments   []Payment   `json:"payments"`
	Summary    Summary     `json:"summary"`
	Noop       bool        `json:"noop"`
	Message    string      `json:"message"`
	Escrow     *struct {
		Released          int64 `json:"released"`
		Amount            int64 `json:"amount"`
		MilestonesEnabled bool  `json:"milestonesEnabled"`
	} `json:"escrow"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) splitResponse {
	t.Helper()
	var resp splitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

const splitPath = "/v1/jobs/job_1/escrow-split"

func TestHandler_SplitFlow(t *testing.T) {
	router, f := setupTestRouter(t)
	f.hire(t)

	w := doJSON(router, http.MethodPost, splitPath, "usr_client", gin.H{
		"action": "create",
		"milestones": []gin.H{
			{"title": "Design", "amount": 6000, "percentage": 60},
			{"title": "Build", "amount": 4000, "percentage": 40},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)
	require.Len(t, created.Milestones, 2)
	assert.Equal(t, "Split into 2 milestones totalling KES 10,000", created.Message)
	require.NotNil(t, created.Escrow)
	assert.True(t, created.Escrow.MilestonesEnabled)
	first := created.Milestones[0].ID

	w = doJSON(router, http.MethodPost, splitPath, "usr_free", gin.H{"action": "submit", "milestoneId": first, "note": "v1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusSubmitted, decode(t, w).Milestone.Status)

	w = doJSON(router, http.MethodPost, splitPath, "usr_client", gin.H{"action": "approve", "milestoneId": first, "percent": 50})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	approved := decode(t, w)
	assert.Equal(t, "Released KES 3,000 (fee KES 208 deducted)", approved.Message)
	assert.Equal(t, StatusPartiallyApproved, approved.Milestone.Status)
	assert.Equal(t, int64(3000), approved.Escrow.Released)

	w = doJSON(router, http.MethodGet, splitPath, "usr_free", nil)
	require.Equal(t, http.StatusOK, w.Code)
	ov := decode(t, w)
	assert.Len(t, ov.Payments, 1)
	assert.Equal(t, int64(7000), ov.Summary.Remaining)
	assert.Equal(t, 30, ov.Summary.ProgressPercent)
}

func TestHandler_ApproveConflictIsNoop(t *testing.T) {
	router, f := setupTestRouter(t)
	_, ms := f.split(t)
	_, err := f.svc.Submit(t.Context(), ms[0].ID, "usr_free", "", nil)
	require.NoError(t, err)

	// simulate an approval in flight
	claimed := ms[0].clone()
	claimed.Status = StatusApproved
	require.NoError(t, f.svc.store.Update(t.Context(), claimed, State{Status: StatusSubmitted}))

	w := doJSON(router, http.MethodPost, splitPath, "usr_client", gin.H{"action": "approve", "milestoneId": ms[0].ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode(t, w).Noop)
}

func TestHandler_Validation(t *testing.T) {
	router, f := setupTestRouter(t)
	_, ms := f.split(t)

	tests := []struct {
		name string
		user string
		body gin.H
		want int
	}{
		{"unknown action", "usr_client", gin.H{"action": "pay"}, http.StatusBadRequest},
		{"missing action", "usr_client", gin.H{"milestoneId": ms[0].ID}, http.StatusBadRequest},
		{"create without milestones", "usr_client", gin.H{"action": "create"}, http.StatusBadRequest},
		{"create without title", "usr_client", gin.H{"action": "create", "milestones": []gin.H{{"amount": 100, "percentage": 100}}}, http.StatusBadRequest},
		{"revision without note", "usr_client", gin.H{"action": "request-revision", "milestoneId": ms[0].ID}, http.StatusBadRequest},
		{"submit without id", "usr_free", gin.H{"action": "submit"}, http.StatusBadRequest},
		{"second split", "usr_client", gin.H{"action": "create", "milestones": []gin.H{{"title": "A", "amount": 100, "percentage": 100}}}, http.StatusConflict},
		{"approve pending", "usr_client", gin.H{"action": "approve", "milestoneId": ms[0].ID}, http.StatusConflict},
		{"submit by client", "usr_client", gin.H{"action": "submit", "milestoneId": ms[0].ID}, http.StatusForbidden},
		{"unknown milestone", "usr_free", gin.H{"action": "submit", "milestoneId": "ms_missing"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(router, http.MethodPost, splitPath, tt.user, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestHandler_MilestoneOfOtherJob(t *testing.T) {
	router, f := setupTestRouter(t)
	_, ms := f.split(t)

	w := doJSON(router, http.MethodPost, "/v1/jobs/job_2/escrow-split", "usr_free", gin.H{"action": "submit", "milestoneId": ms[0].ID})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_RevisionAndUpdate(t *testing.T) {
	router, f := setupTestRouter(t)
	_, ms := f.split(t)
	id := ms[1].ID

	due := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	w := doJSON(router, http.MethodPost, splitPath, "usr_client", gin.H{"action": "update", "milestoneId": id, "title": "Build v2", "dueDate": due})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Build v2", decode(t, w).Milestone.Title)

	w = doJSON(router, http.MethodPost, splitPath, "usr_free", gin.H{"action": "submit", "milestoneId": id})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodPost, splitPath, "usr_client", gin.H{"action": "request-revision", "milestoneId": id, "note": "Missing tests"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, StatusRevisionRequested, resp.Milestone.Status)
	assert.Equal(t, `Revision requested on "Build v2". No funds were released.`, resp.Message)

	w = doJSON(router, http.MethodGet, splitPath, "usr_stranger", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
