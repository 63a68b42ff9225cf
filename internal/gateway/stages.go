package gateway

import "github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/config"

// Dependencies are the collaborators of the standard stage list. Limiter and CSRF may be nil when
// the matching feature is disabled.
type Dependencies struct {
	Verifier CredentialVerifier
	Limiter  Limiter
	CSRF     CSRFStore
	Engine   PermissionEvaluator
}

// StandardStages returns the production stage order: transport, sanitize, credential,
// ratelimit, csrf, permission. Disabled features are left out.
func StandardStages(sec config.SecurityConfig, deps Dependencies) []Stage {
	stages := []Stage{NewTransportStage(sec)}
	if sec.Sanitization.Enabled {
		stages = append(stages, NewSanitizeStage())
	}
	stages = append(stages, NewCredentialStage(deps.Verifier))
	if sec.RateLimiting.Enabled && deps.Limiter != nil {
		stages = append(stages, NewRateLimitStage(deps.Limiter))
	}
	if sec.CSRF.Enabled && deps.CSRF != nil {
		stages = append(stages, NewCSRFStage(deps.CSRF, sec.CSRF.TTL, sec.CSRF.ExemptAPIKeys))
	}
	return append(stages, NewPermissionStage(deps.Engine))
}
