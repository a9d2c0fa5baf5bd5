package lti

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/quipper/poc/lti/tool/internal/ags"
	"github.com/quipper/poc/lti/tool/pkg/common/logger"
	"github.com/quipper/poc/lti/tool/pkg/common/ltierr"
	lr "github.com/quipper/poc/lti/tool/pkg/repositories/launch"
)

type gradeRequest struct {
	LaunchID  string   `json:"launchId"`
	Score     *float64 `json:"score"`
	Completed bool     `json:"completed"`
	Comment   string   `json:"comment,omitempty"`
}

// grade POST /lti/grade sends the learner's result for a launch back to the platform.
// A completed, successfully sent result also completes the launch.
func (h *Handler) grade(w http.ResponseWriter, r *http.Request) {
	var req gradeRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeAPIError(w, r, ltierr.Wrap(ltierr.InvalidRequest, "invalid JSON body", err))
		return
	}
	req.LaunchID = strings.TrimSpace(req.LaunchID)
	if req.LaunchID == "" || req.Score == nil {
		writeAPIError(w, r, ltierr.New(ltierr.InvalidRequest, "launchId and score are required"))
		return
	}

	res, err := h.grader.SendResult(r.Context(), req.LaunchID, *req.Score, req.Completed, req.Comment)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	if req.Completed && res.GradeStatus == lr.GradeSent {
		if _, err := h.launches.Complete(r.Context(), req.LaunchID); err != nil {
			logger.Warn("[http] complete launch=%s after grade: %v", req.LaunchID, err)
		}
	}
	writeJSON(w, http.StatusOK, gradeResponse(res))
}

func gradeResponse(res *ags.Result) map[string]any {
	out := map[string]any{
		"launchId":    res.LaunchID,
		"gradeStatus": res.GradeStatus,
	}
	if res.ScoreGiven != nil {
		out["scoreGiven"] = *res.ScoreGiven
	}
	if res.ScoreMaximum != nil {
		out["scoreMaximum"] = *res.ScoreMaximum
	}
	if res.LineItem != "" {
		out["lineItem"] = res.LineItem
	}
	return out
}
