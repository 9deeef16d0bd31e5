package delivery

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/models"
)

// Limiter enforces the delivery token buckets: a per-channel provider
// bucket, a per-tenant bucket, and a per-recipient-domain bucket for email.
// Buckets hold one minute of burst, refill continuously, and are created on
// first use. A zero configured rate disables that bucket.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	cfg     config.RateLimitConfig
}

// NewLimiter creates a limiter with the configured per-minute rates.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{buckets: make(map[string]*rate.Limiter), cfg: cfg}
}

// Acquire takes one token from every bucket that applies to msg. When a
// bucket is dry it reports how long until a token frees up and which bucket
// blocked; tokens already taken for the same message are handed back.
func (l *Limiter) Acquire(msg *models.Message) (time.Duration, string) {
	type check struct {
		name   string
		key    string
		perMin int
	}
	checks := []check{
		{"rate_limit_provider", "provider|" + string(msg.Channel), l.cfg.ProviderPerMinute},
	}
	if msg.TenantID != "" {
		checks = append(checks, check{"rate_limit_tenant", "tenant|" + msg.TenantID, l.cfg.TenantPerMinute})
	}
	if msg.Channel == models.ChannelEmail {
		if domain := recipientDomain(msg.To); domain != "" {
			checks = append(checks, check{"rate_limit_domain", "domain|" + domain, l.cfg.DomainPerMinute})
		}
	}

	var held []*rate.Reservation
	for _, c := range checks {
		if c.perMin <= 0 {
			continue
		}
		r := l.bucket(c.key, c.perMin).Reserve()
		if delay := r.Delay(); delay > 0 {
			r.Cancel()
			for _, h := range held {
				h.Cancel()
			}
			return delay, c.name
		}
		held = append(held, r)
	}
	return 0, ""
}

func (l *Limiter) bucket(key string, perMin int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b := rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
	l.buckets[key] = b
	return b
}

// recipientDomain extracts the lowercased domain of an email address.
func recipientDomain(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}
