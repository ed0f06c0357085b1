// Package classify maps processing errors onto retry decisions.
package classify

import (
	"time"

	goerrors "github.com/goliatone/go-errors"
)

type Category string

const (
	CategoryRetryable    Category = "RETRYABLE"
	CategoryRateLimit    Category = "RATE_LIMIT"
	CategoryValidation   Category = "VALIDATION"
	CategoryNonRetryable Category = "NON_RETRYABLE"
)

type Classification struct {
	Category   Category
	Retryable  bool
	MaxRetries int
	BaseDelay  time.Duration
	Rule       string
}

// Rule is one entry of the ordered rule list. The first rule whose Match
// returns true decides the classification.
type Rule struct {
	Name       string
	Category   Category
	Retryable  bool
	MaxRetries int
	BaseDelay  time.Duration
	Match      func(Signal) bool
}

func (r Rule) classification() Classification {
	return Classification{
		Category:   r.Category,
		Retryable:  r.Retryable,
		MaxRetries: r.MaxRetries,
		BaseDelay:  r.BaseDelay,
		Rule:       r.Name,
	}
}

const RuleDefault = "default"

var defaultClassification = Classification{
	Category: CategoryNonRetryable,
	Rule:     RuleDefault,
}

type Classifier struct {
	rules []Rule
}

// New builds a classifier over rules, or over DefaultRules when none are given.
func New(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	copied := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if rule.Match == nil {
			continue
		}
		copied = append(copied, rule)
	}
	return &Classifier{rules: copied}
}

func (c *Classifier) Classify(err error) Classification {
	if err == nil {
		return defaultClassification
	}
	rules := c.rulesOrDefault()
	sig := Extract(err)
	for _, rule := range rules {
		if rule.Match(sig) {
			return rule.classification()
		}
	}
	return defaultClassification
}

func (c *Classifier) rulesOrDefault() []Rule {
	if c == nil || len(c.rules) == 0 {
		return DefaultRules()
	}
	return c.rules
}

// Classify uses the default rule list.
func Classify(err error) Classification {
	return New().Classify(err)
}

const (
	RuleNetwork      = "network_timeout"
	RuleRateLimit    = "rate_limit"
	RuleUpstream     = "upstream_5xx"
	RuleClient       = "client_4xx"
	RuleSignature    = "signature"
	RuleStorage      = "transient_storage"
	RuleValidation   = "validation"
	networkBaseDelay = 2 * time.Second
	rateBaseDelay    = 60 * time.Second
	upstreamDelay    = 5 * time.Second
	storageDelay     = 3 * time.Second
)

// DefaultRules returns a fresh copy of the built-in ordered rule list.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       RuleNetwork,
			Category:   CategoryRetryable,
			Retryable:  true,
			MaxRetries: 5,
			BaseDelay:  networkBaseDelay,
			Match: func(s Signal) bool {
				if s.Timeout || s.networkErrno() || s.HTTPStatus == 408 {
					return true
				}
				return s.contains("etimedout", "econnreset", "econnrefused", "enotfound", "eai_again",
					"timeout", "timed out", "socket hang up", "connection reset", "connection refused",
					"no such host", "network is unreachable", "broken pipe")
			},
		},
		{
			Name:       RuleRateLimit,
			Category:   CategoryRateLimit,
			Retryable:  true,
			MaxRetries: 3,
			BaseDelay:  rateBaseDelay,
			Match: func(s Signal) bool {
				if s.HTTPStatus == 429 || s.Category == goerrors.CategoryRateLimit {
					return true
				}
				return s.contains("too many requests", "rate limit", "quota", "throttl")
			},
		},
		{
			Name:       RuleUpstream,
			Category:   CategoryRetryable,
			Retryable:  true,
			MaxRetries: 5,
			BaseDelay:  upstreamDelay,
			Match: func(s Signal) bool {
				if s.HTTPStatus >= 500 && s.HTTPStatus <= 599 {
					return true
				}
				return s.contains("service unavailable", "bad gateway", "internal server error")
			},
		},
		{
			Name:     RuleClient,
			Category: CategoryValidation,
			Match: func(s Signal) bool {
				if s.HTTPStatus >= 400 && s.HTTPStatus <= 499 {
					return true
				}
				if s.Category == goerrors.CategoryAuth || s.Category == goerrors.CategoryAuthz ||
					s.Category == goerrors.CategoryNotFound {
					return true
				}
				return s.contains("bad request", "unauthorized", "forbidden", "not found")
			},
		},
		{
			Name:     RuleSignature,
			Category: CategoryValidation,
			Match: func(s Signal) bool {
				return s.Signature || s.contains("signature", "verification failed")
			},
		},
		{
			Name:       RuleStorage,
			Category:   CategoryRetryable,
			Retryable:  true,
			MaxRetries: 3,
			BaseDelay:  storageDelay,
			Match: func(s Signal) bool {
				if s.transientSQLState() || s.transientSQLite() {
					return true
				}
				return s.contains("deadlock", "serialization failure", "could not serialize",
					"connection pool", "too many connections", "transaction", "database is locked",
					"database table is locked")
			},
		},
		{
			Name:     RuleValidation,
			Category: CategoryValidation,
			Match: func(s Signal) bool {
				if s.Category == goerrors.CategoryValidation || s.Category == goerrors.CategoryBadInput {
					return true
				}
				return s.contains("validation", "malformed")
			},
		},
	}
}
