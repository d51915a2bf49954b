package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/isdmx/codepad/metrics"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="
	maxWebhookBytes = 1 << 20
)

type pushEvent struct {
	Ref        string `json:"ref"`
	Repository struct {
		URL      string `json:"url"`
		CloneURL string `json:"clone_url"`
		HTMLURL  string `json:"html_url"`
	} `json:"repository"`
}

// GitHubWebhook handles POST /api/webhook/github. A push to the configured
// repository and revision branch triggers an asynchronous toolchain rebuild.
func (s *Server) GitHubWebhook(c *gin.Context) {
	if !s.config.Webhook.Enabled {
		s.webhookReply(c, http.StatusForbidden, "disabled", "Webhooks are disabled")
		return
	}

	mediaType, _, _ := mime.ParseMediaType(c.ContentType())
	if mediaType != "application/json" {
		s.webhookReply(c, http.StatusBadRequest, "bad_request", "Content-Type must be application/json")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBytes))
	if err != nil {
		s.webhookReply(c, http.StatusRequestEntityTooLarge, "bad_request", "Payload too large")
		return
	}

	if secret := s.config.Webhook.Secret; secret != "" {
		signature := c.GetHeader(signatureHeader)
		if signature == "" {
			s.webhookReply(c, http.StatusUnauthorized, "unauthorized", "Missing signature")
			return
		}
		if !validSignature(secret, body, signature) {
			s.webhookReply(c, http.StatusUnauthorized, "unauthorized", "Invalid signature")
			return
		}
	}

	var event pushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.webhookReply(c, http.StatusBadRequest, "bad_request", "Invalid JSON payload")
		return
	}

	if !s.isToolchainRepo(event) {
		s.logger.Info("ignored push from unrelated repository", zap.String("repository", event.Repository.URL))
		s.webhookReply(c, http.StatusOK, "ignored", "Ignored: not the configured repository")
		return
	}

	revision := s.config.Toolchain.Revision
	if event.Ref != "refs/heads/"+revision {
		s.logger.Info("ignored push to another branch", zap.String("ref", event.Ref))
		s.webhookReply(c, http.StatusOK, "ignored", "Ignored: not the configured branch ("+revision+")")
		return
	}

	s.logger.Info("received push to toolchain branch, triggering rebuild", zap.String("ref", event.Ref))
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if err := s.rebuilder.Rebuild(s.ctx); err != nil {
			s.logger.Error("toolchain rebuild failed", zap.Error(err))
			return
		}
		s.logger.Info("toolchain rebuilt")
	}()

	s.webhookReply(c, http.StatusAccepted, "rebuild", "Rebuild triggered")
}

func (s *Server) webhookReply(c *gin.Context, status int, outcome, message string) {
	metrics.WebhookEvents.WithLabelValues(outcome).Inc()
	c.JSON(status, gin.H{"message": message})
}

func (s *Server) isToolchainRepo(event pushEvent) bool {
	want := normalizeRepoURL(s.config.Toolchain.Repo)
	for _, candidate := range []string{event.Repository.URL, event.Repository.CloneURL, event.Repository.HTMLURL} {
		if candidate != "" && normalizeRepoURL(candidate) == want {
			return true
		}
	}
	return false
}

// normalizeRepoURL makes https://github.com/a/b.git and https://github.com/a/b compare equal
func normalizeRepoURL(raw string) string {
	url := strings.ToLower(strings.TrimSpace(raw))
	url = strings.TrimSuffix(url, "/")
	return strings.TrimSuffix(url, ".git")
}

// validSignature checks a GitHub sha256 HMAC over the raw request body
func validSignature(secret string, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
