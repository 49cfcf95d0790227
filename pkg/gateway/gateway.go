package gateway

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"github.com/xrelay/xrelay/pkg/handlerutils"
	"github.com/xrelay/xrelay/pkg/security"
	"github.com/xrelay/xrelay/pkg/types"
)

// ErrorPath is where failed requests are re-dispatched to be rendered.
const ErrorPath = "/error"

const deniedMessage = "Access denied: Your IP is not whitelisted and token is invalid"

// DefaultExcludedPaths are path prefixes that never reach the gateway.
var DefaultExcludedPaths = []string{
	"/static/",
	"/css/",
	"/js/",
	"/img/",
	"/images/",
	"/swagger-ui/",
	"/v3/api-docs/",
	"/swagger-resources/",
	"/webjars/",
}

// noisePaths are admitted as usual but not written to the audit log.
var noisePaths = map[string]struct{}{
	"/favicon.ico": {},
}

// HandlerResolver finds the handler a request will be dispatched to.
// *http.ServeMux implements it.
type HandlerResolver interface {
	Handler(r *http.Request) (h http.Handler, pattern string)
}

// Bypasser is implemented by handlers that are reachable without passing the
// access check.
type Bypasser interface {
	BypassReason() string
}

type publicHandler struct {
	http.Handler
	reason string
}

func (p publicHandler) BypassReason() string {
	return p.reason
}

// Public marks h as reachable by any client. reason is logged when the check
// is skipped.
func Public(h http.Handler, reason string) http.Handler {
	return publicHandler{Handler: h, reason: reason}
}

type ruleSet struct {
	digest           uint64
	enabled          bool
	allow            map[string]struct{}
	passTokenEnabled bool
	passTokens       map[string]struct{}
}

func (rs *ruleSet) allowsIP(ip string) bool {
	_, ok := rs.allow[handlerutils.NormalizeIP(ip)]
	return ok
}

func (rs *ruleSet) validPassToken(token string) bool {
	if !rs.passTokenEnabled || token == "" {
		return false
	}
	_, ok := rs.passTokens[token]
	return ok
}

func digestRules(rules types.AccessRules) uint64 {
	d := xxhash.New()
	_, _ = fmt.Fprintf(d, "%t|%t|", rules.Enabled, rules.PassTokenEnabled)
	for _, ip := range rules.AllowList {
		_, _ = d.WriteString(ip)
		_, _ = d.WriteString("\x00")
	}
	_, _ = d.WriteString("|")
	for _, token := range rules.PassTokens {
		_, _ = d.WriteString(token)
		_, _ = d.WriteString("\x00")
	}
	return d.Sum64()
}

func buildRuleSet(rules types.AccessRules, digest uint64) *ruleSet {
	rs := &ruleSet{
		digest:           digest,
		enabled:          rules.Enabled,
		allow:            make(map[string]struct{}, len(rules.AllowList)),
		passTokenEnabled: rules.PassTokenEnabled,
		passTokens:       make(map[string]struct{}, len(rules.PassTokens)),
	}
	for _, ip := range rules.AllowList {
		if ip = strings.TrimSpace(ip); ip != "" {
			rs.allow[handlerutils.NormalizeIP(ip)] = struct{}{}
		}
	}
	for _, token := range rules.PassTokens {
		if token = strings.TrimSpace(token); token != "" {
			rs.passTokens[token] = struct{}{}
		}
	}
	return rs
}

// Gateway admits or rejects requests by client IP or pass token and writes
// the audit trail.
type Gateway struct {
	rules    security.Source
	resolver HandlerResolver
	auditor  *Auditor
	excluded []string

	cache atomic.Pointer[ruleSet]
}

// New creates a gateway. A nil excluded list uses DefaultExcludedPaths.
func New(rules security.Source, resolver HandlerResolver, auditor *Auditor, excluded []string) *Gateway {
	if excluded == nil {
		excluded = DefaultExcludedPaths
	}
	return &Gateway{
		rules:    rules,
		resolver: resolver,
		auditor:  auditor,
		excluded: excluded,
	}
}

// currentRules returns the derived rule set, rebuilding it only when the
// source rules have changed.
func (g *Gateway) currentRules() *ruleSet {
	rules := g.rules.Rules()
	digest := digestRules(rules)
	if cached := g.cache.Load(); cached != nil && cached.digest == digest {
		return cached
	}
	rs := buildRuleSet(rules, digest)
	g.cache.Store(rs)
	log.Debug().Int("allow_list", len(rs.allow)).Int("pass_tokens", len(rs.passTokens)).Msg("Rebuilt access rule cache")
	return rs
}

func (g *Gateway) isExcluded(path string) bool {
	for _, prefix := range g.excluded {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (g *Gateway) bypassReason(r *http.Request) (string, bool) {
	if g.resolver == nil {
		return "", false
	}
	h, _ := g.resolver.Handler(r)
	if b, ok := h.(Bypasser); ok {
		return b.BypassReason(), true
	}
	return "", false
}

// passToken looks for a token in the Authorization header, then X-Pass-Token,
// then the pass_token query or form parameter. The first source present is
// used.
func passToken(r *http.Request) string {
	// A Bearer header wins even when its token is empty.
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	if token := strings.TrimSpace(r.Header.Get("X-Pass-Token")); token != "" {
		return token
	}
	if token := r.URL.Query().Get("pass_token"); token != "" {
		return token
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if hasBody(r.Method) && mediaType == "application/x-www-form-urlencoded" && r.ContentLength <= largeBodyBytes {
		b, err := Buffer(r, largeBodyBytes)
		if err != nil {
			return ""
		}
		if form, err := url.ParseQuery(string(b.Peeked())); err == nil {
			return form.Get("pass_token")
		}
	}
	return ""
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// Wrap returns next behind the access check.
func (g *Gateway) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if g.isExcluded(path) {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := handlerutils.GetClientIP(r)

		// Error dispatches are never logged on their own; they only reclassify
		// the request that caused them.
		if path == ErrorPath {
			if _, ok := forwardedStatus(r.Context()); ok {
				g.auditor.CorrelateFailure(clientIP)
			}
			next.ServeHTTP(w, r)
			return
		}

		rules := g.currentRules()
		if !rules.enabled {
			next.ServeHTTP(w, r)
			return
		}

		var allowed bool
		if reason, ok := g.bypassReason(r); ok {
			log.Debug().Str("path", path).Str("reason", reason).Msg("Access check skipped")
			allowed = true
		} else {
			allowed = rules.allowsIP(clientIP)
		}
		if !allowed {
			if token := passToken(r); rules.validPassToken(token) {
				allowed = true
				log.Debug().Str("client_ip", clientIP).Str("pass_token", maskToken(token)).Msg("Admitted by pass token")
			}
		}

		var rec *Record
		if _, noise := noisePaths[path]; !noise {
			rec = g.auditor.Log(r, clientIP, allowed)
			w.Header().Set("X-Request-Id", rec.RequestID())
		}

		if !allowed {
			log.Warn().Str("client_ip", clientIP).Str("method", r.Method).Str("path", path).Msg("Access denied")
			handlerutils.JSON(w, http.StatusForbidden, types.ErrorResponse{Error: deniedMessage})
			return
		}

		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				log.Error().Interface("panic", p).Str("path", path).Msg("Handler panicked")
				rec.Fail(fmt.Sprint(p))
				handlerutils.JSON(w, http.StatusInternalServerError, types.ErrorResponse{Error: "internal server error"})
			}
		}()

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), recordKey{}, rec)))
	})
}

type recordKey struct{}

// ReportFailure marks the audit record of r as failed. It is a no-op for
// requests that were not logged.
func ReportFailure(r *http.Request, err error) {
	rec, _ := r.Context().Value(recordKey{}).(*Record)
	if rec == nil {
		return
	}
	reason := "unknown"
	if err != nil {
		reason = err.Error()
	}
	rec.Fail(reason)
}
