package dns

import (
	"context"

	"tordnsd/pkg/config"

	"github.com/miekg/dns"
)

// enforceRateLimit reports whether the client is over its limit. For the
// refuse action it also returns the REFUSED reply to send; dropped queries
// get no reply at all.
func (h *Handler) enforceRateLimit(ctx context.Context, r *dns.Msg, clientIP string) (*dns.Msg, bool) {
	if h.RateLimiter == nil || r == nil {
		return nil, false
	}

	allowed, action := h.RateLimiter.Allow(clientIP)
	if allowed {
		return nil, false
	}

	dropped := action == config.RateLimitActionDrop
	h.recordRateLimit(ctx, string(action), dropped)

	if h.RateLimiter.LogViolations() {
		var domain string
		if len(r.Question) > 0 {
			domain = r.Question[0].Name
		}
		h.Logger.Warn("Rate limit exceeded",
			"client_ip", clientIP,
			"domain", domain,
			"action", action,
		)
	}

	if dropped {
		return nil, true
	}

	msg := new(dns.Msg)
	msg.SetRcode(r, dns.RcodeRefused)
	return msg, true
}
