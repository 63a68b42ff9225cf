package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// Patterns stripped from every string value. The sanitizer is a second line of defense; handlers
// still use parameterized queries and escape output.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*/?\s*script[^>]*>?`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)\bon[a-z]+\s*=`),
	regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`),
	regexp.MustCompile(`(?i)\bdrop\s+table\b`),
	regexp.MustCompile(`--`),
	regexp.MustCompile(`/\*|\*/`),
}

var stripChars = strings.NewReplacer("<", "", ">", "", `"`, "", "'", "", "`", "", ";", "")

// SanitizeString removes script, SQL and quoting fragments from s.
func SanitizeString(s string) string {
	// Patterns can reassemble once inner fragments are removed, so repeat until stable.
	for i := 0; i < 4; i++ {
		before := s
		for _, re := range denyPatterns {
			s = re.ReplaceAllString(s, "")
		}
		s = stripChars.Replace(s)
		if s == before {
			break
		}
	}
	return s
}

// SanitizeValue walks a decoded JSON value, sanitizing strings and dropping keys that look like
// query operators ("$where", "$gt").
func SanitizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			if strings.HasPrefix(strings.TrimSpace(k), "$") {
				continue
			}
			out[SanitizeString(k)] = SanitizeValue(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(t))
		for _, vv := range t {
			out = append(out, SanitizeValue(vv))
		}
		return out
	case string:
		return SanitizeString(t)
	default:
		return t
	}
}

func sanitizeValues(vals url.Values) url.Values {
	out := make(url.Values, len(vals))
	for k, vs := range vals {
		if strings.HasPrefix(k, "$") {
			continue
		}
		key := SanitizeString(k)
		for _, v := range vs {
			out.Add(key, SanitizeString(v))
		}
	}
	return out
}

// SanitizeStage rewrites query parameters and JSON or form bodies in place.
type SanitizeStage struct{}

func NewSanitizeStage() *SanitizeStage { return &SanitizeStage{} }

func (s *SanitizeStage) Name() string { return "sanitize" }

func (s *SanitizeStage) Run(c *gin.Context, _ Route) Decision {
	req := c.Request
	if req.URL.RawQuery != "" {
		req.URL.RawQuery = sanitizeValues(req.URL.Query()).Encode()
	}

	if !hasBody(req) {
		return Continue()
	}
	mediaType, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if mediaType != "application/json" && mediaType != "application/x-www-form-urlencoded" {
		return Continue()
	}

	raw, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return Reject(payloadTooLarge(req.ContentLength, tooLarge.Limit))
		}
		return Reject(Rejection{Reason: ReasonMalformedRequest, Status: http.StatusBadRequest, Message: "unreadable request body"})
	}

	out := raw
	switch mediaType {
	case "application/json":
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var value interface{}
		// Malformed JSON is passed through for the handler to reject.
		if dec.Decode(&value) == nil {
			if b, err := json.Marshal(SanitizeValue(value)); err == nil {
				out = b
			}
		}
	case "application/x-www-form-urlencoded":
		if vals, err := url.ParseQuery(string(raw)); err == nil {
			out = []byte(sanitizeValues(vals).Encode())
		}
	}

	req.Body = io.NopCloser(bytes.NewReader(out))
	req.ContentLength = int64(len(out))
	req.Header.Set("Content-Length", strconv.Itoa(len(out)))
	return Continue()
}
