package httptransport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"queryguard/internal/guard/cache"
	"queryguard/internal/guard/models"
	"queryguard/internal/guard/pipeline"
	"queryguard/internal/guard/webhook"
	"queryguard/internal/transport/httputil"
	dErrors "queryguard/pkg/domain-errors"
	"queryguard/pkg/requestcontext"
)

// maxBodyBytes bounds request bodies; queries and webhook payloads are small.
const maxBodyBytes = 1 << 20

type queryRequest struct {
	Query string   `json:"query"`
	Turns []string `json:"conversation_context,omitempty"`
	Pass  string   `json:"verification_pass,omitempty"`
}

type queryResponse struct {
	Answer           string                   `json:"answer"`
	SourceReferences []models.SourceReference `json:"sourceReferences"`
	Cached           bool                     `json:"cached"`
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}
	if req.Query == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "query is required"))
		return
	}

	identifier := requestcontext.ClientIP(r.Context())
	decision, err := h.pipeline.Admit(r.Context(), &pipeline.Request{
		Query:      req.Query,
		Turns:      req.Turns,
		Identifier: identifier,
		Pass:       req.Pass,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	setRateLimitHeaders(w, decision.RateLimit)

	if !decision.Allowed {
		if decision.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
		}
		httputil.WriteJSON(w, httputil.DomainCodeToHTTPStatus(decision.Reason), map[string]any{
			"error":       string(decision.Reason),
			"retry_after": decision.RetryAfter,
		})
		return
	}

	if wantsStream(r) {
		h.streamAnswer(w, decision)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, queryResponse{
		Answer:           decision.Answer.Text,
		SourceReferences: decision.Answer.SourceReferences,
		Cached:           decision.FromCache,
	})
}

func wantsStream(r *http.Request) bool {
	return r.Header.Get("Accept") == "text/event-stream"
}

// streamAnswer delivers the answer as server-sent events. Cached answers are
// replayed in chunks so the client sees the same incremental delivery as a
// live generation, with an explicit marker that the response came from cache.
func (h *Handler) streamAnswer(w http.ResponseWriter, decision *pipeline.Decision) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if decision.FromCache {
		fmt.Fprintf(w, "event: cached\ndata: {\"tier\": %d}\n\n", decision.Tier)
	}
	for _, chunk := range cache.Chunks(decision.Answer.Text, cache.DefaultChunkSize) {
		payload, _ := json.Marshal(map[string]string{"delta": chunk})
		fmt.Fprintf(w, "event: delta\ndata: %s\n\n", payload)
		if flusher != nil {
			flusher.Flush()
		}
	}

	final, _ := json.Marshal(map[string]any{
		"sourceReferences": decision.Answer.SourceReferences,
		"cached":           decision.FromCache,
	})
	fmt.Fprintf(w, "event: done\ndata: %s\n\n", final)
	if flusher != nil {
		flusher.Flush()
	}
}

func setRateLimitHeaders(w http.ResponseWriter, rl *models.RateLimitResult) {
	if rl == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
	if !rl.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
	}
}

type challengeIssueResponse struct {
	TokenID   string `json:"token_id"`
	Nonce     string `json:"nonce"`
	ExpiresAt int64  `json:"expires_at"`
}

func (h *Handler) handleChallengeIssue(w http.ResponseWriter, r *http.Request) {
	identifier := requestcontext.ClientIP(r.Context())

	token, err := h.challenge.Issue(r.Context(), identifier)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, challengeIssueResponse{
		TokenID:   token.ID,
		Nonce:     token.Nonce,
		ExpiresAt: token.ExpiresAt.Unix(),
	})
}

type challengeVerifyRequest struct {
	TokenID  string `json:"token_id"`
	Solution string `json:"solution"`
}

func (h *Handler) handleChallengeVerify(w http.ResponseWriter, r *http.Request) {
	var req challengeVerifyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}

	identifier := requestcontext.ClientIP(r.Context())
	result, err := h.challenge.Verify(r.Context(), req.TokenID, req.Solution, identifier)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"verified":          result.Verified,
		"verification_pass": result.Pass,
	})
}

func (h *Handler) handleContentSync(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "unreadable request body"))
		return
	}

	delivery := &webhook.Delivery{
		Body:      body,
		Signature: r.Header.Get(webhook.HeaderSignature),
		Timestamp: r.Header.Get(webhook.HeaderTimestamp),
		Nonce:     r.Header.Get(webhook.HeaderNonce),
		SourceIP:  requestcontext.ClientIP(r.Context()),
	}
	if err := h.webhooks.Verify(r.Context(), delivery); err != nil {
		httputil.WriteError(w, err)
		return
	}

	var event models.ContentSyncEvent
	if err := json.Unmarshal(body, &event); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid event payload"))
		return
	}

	h.cache.UpdateSuggestedQuestions(event.SuggestedQuestions)

	// Content changed, so pre-warmed answers may now be stale. Drop them
	// and let the refresh pass rebuild from the current question set.
	if len(event.Created)+len(event.Updated)+len(event.Deleted) > 0 {
		if err := h.cache.Invalidate(r.Context(), event.SuggestedQuestions); err != nil {
			httputil.WriteError(w, err)
			return
		}
		if h.refresher != nil {
			h.refresher.Kick()
		}
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
