package gateway

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/config"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
)

const hstsValue = "max-age=31536000; includeSubDomains"

// TransportStage sets baseline security headers and enforces the body ceiling and the
// content-type whitelist.
type TransportStage struct {
	headers      config.HeadersConfig
	maxBodyBytes int64
	allowed      map[string]struct{}
}

// NewTransportStage builds the transport stage from the security configuration.
func NewTransportStage(cfg config.SecurityConfig) *TransportStage {
	allowed := make(map[string]struct{}, len(cfg.AllowedContentTypes))
	for _, ct := range cfg.AllowedContentTypes {
		allowed[strings.ToLower(strings.TrimSpace(ct))] = struct{}{}
	}
	return &TransportStage{headers: cfg.Headers, maxBodyBytes: cfg.MaxBodyBytes, allowed: allowed}
}

func (s *TransportStage) Name() string { return "transport" }

func (s *TransportStage) Run(c *gin.Context, _ Route) Decision {
	if s.headers.Enabled {
		setSecurityHeaders(c, s.headers)
	}

	req := c.Request
	if s.maxBodyBytes > 0 {
		if req.ContentLength > s.maxBodyBytes {
			return Reject(payloadTooLarge(req.ContentLength, s.maxBodyBytes))
		}
		if req.Body != nil && req.Body != http.NoBody {
			req.Body = http.MaxBytesReader(c.Writer, req.Body, s.maxBodyBytes)
		}
		if req.ContentLength < 0 && hasBody(req) {
			// Chunked bodies are buffered so an oversized one is rejected here whatever its
			// content type.
			raw, err := io.ReadAll(req.Body)
			req.Body.Close()
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					return Reject(payloadTooLarge(req.ContentLength, tooLarge.Limit))
				}
				return Reject(Rejection{Reason: ReasonMalformedRequest, Status: http.StatusBadRequest, Message: "unreadable request body"})
			}
			req.Body = io.NopCloser(bytes.NewReader(raw))
			req.ContentLength = int64(len(raw))
		}
	}

	if hasBody(req) && !isSafeMethod(req.Method) && len(s.allowed) > 0 {
		mediaType, _, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
		if _, ok := s.allowed[strings.ToLower(mediaType)]; err != nil || !ok {
			return Reject(Rejection{
				Reason:   ReasonUnsupportedContentType,
				Status:   http.StatusUnsupportedMediaType,
				Message:  "unsupported content type",
				Event:    models.EventPayloadRejected,
				Metadata: map[string]interface{}{"content_type": req.Header.Get("Content-Type")},
			})
		}
	}
	return Continue()
}

func payloadTooLarge(size, limit int64) Rejection {
	return Rejection{
		Reason:   ReasonPayloadTooLarge,
		Status:   http.StatusRequestEntityTooLarge,
		Message:  "request body too large",
		Event:    models.EventPayloadRejected,
		Metadata: map[string]interface{}{"content_length": size, "limit": limit},
	}
}

// hasBody reports whether the request announces a body (fixed length or chunked).
func hasBody(req *http.Request) bool {
	return req.ContentLength > 0 || (req.ContentLength < 0 && req.Body != nil && req.Body != http.NoBody)
}

func setSecurityHeaders(c *gin.Context, cfg config.HeadersConfig) {
	if cfg.HSTS {
		c.Header("Strict-Transport-Security", hstsValue)
	}
	c.Header("X-Frame-Options", "DENY")
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("X-XSS-Protection", "1; mode=block")
	if cfg.CSP != "" {
		c.Header("Content-Security-Policy", cfg.CSP)
	}
	c.Header("Referrer-Policy", "no-referrer")
	c.Header("X-Permitted-Cross-Domain-Policies", "none")
	c.Header("Cross-Origin-Opener-Policy", "same-origin")
	c.Header("Cross-Origin-Resource-Policy", "same-origin")
}
