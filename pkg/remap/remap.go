// Package remap synthesizes static answers from "pattern class type value"
// rules so matching queries never reach an upstream resolver.
package remap

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"tordnsd/pkg/logging"
	"tordnsd/pkg/pattern"
)

var (
	// ErrTooFewFields is returned for rules with fewer than four fields
	ErrTooFewFields = errors.New("remap rule needs four fields: pattern class type value")

	// ErrUnsupportedType is returned for record types other than A, MX and NS
	ErrUnsupportedType = errors.New("unsupported remap record type")

	// ErrInvalidValue is returned when the value cannot be used for the declared type
	ErrInvalidValue = errors.New("invalid remap value")
)

// Wildcard matches any class or type in a rule's filter fields.
const Wildcard = "*"

// Rule is a parsed remap rule.
type Rule struct {
	Raw         string
	Pattern     *pattern.Glob
	ClassFilter string
	TypeFilter  string
	Value       string

	rrtype     uint16 // record type synthesized on match
	ip         net.IP
	preference uint16
	target     string
}

// ParseRule parses one rule. The value is everything after the third field
// and may itself contain spaces.
func ParseRule(raw string) (Rule, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), " ", 4)
	if len(parts) != 4 {
		return Rule{}, fmt.Errorf("%w: %q", ErrTooFewFields, raw)
	}

	r := Rule{
		Raw:         raw,
		Pattern:     pattern.Compile(parts[0]),
		ClassFilter: parts[1],
		TypeFilter:  parts[2],
		Value:       parts[3],
	}

	switch strings.ToUpper(r.TypeFilter) {
	case "A":
		ip := net.ParseIP(strings.TrimSpace(r.Value))
		if ip == nil {
			return Rule{}, fmt.Errorf("%w: %q is not an IP address", ErrInvalidValue, r.Value)
		}
		r.ip = ip
		r.rrtype = dns.TypeA
		if ip.To4() == nil {
			r.rrtype = dns.TypeAAAA
		}
	case "MX":
		first := strings.Split(r.Value, " ")[0]
		if strings.Contains(r.Value, " ") {
			if p, err := strconv.ParseUint(first, 10, 16); err == nil {
				r.preference = uint16(p)
			}
		}
		if first == "" {
			return Rule{}, fmt.Errorf("%w: empty MX exchange", ErrInvalidValue)
		}
		r.target = dns.Fqdn(first)
		r.rrtype = dns.TypeMX
	case "NS":
		ns := strings.TrimSpace(r.Value)
		if ns == "" {
			return Rule{}, fmt.Errorf("%w: empty NS target", ErrInvalidValue)
		}
		r.target = dns.Fqdn(ns)
		r.rrtype = dns.TypeNS
	default:
		return Rule{}, fmt.Errorf("%w: %s", ErrUnsupportedType, r.TypeFilter)
	}

	return r, nil
}

// ParseRules parses every raw rule in order, skipping the ones that fail.
func ParseRules(raws []string, logger *logging.Logger) []Rule {
	rules := make([]Rule, 0, len(raws))
	for _, raw := range raws {
		r, err := ParseRule(raw)
		if err != nil {
			if logger != nil {
				logger.Debug("Skipping remap rule", "rule", raw, "error", err)
			}
			continue
		}
		rules = append(rules, r)
	}
	return rules
}

// Match reports whether the rule applies to q.
func (r *Rule) Match(q dns.Question) bool {
	if !r.Pattern.Match(strings.TrimSuffix(q.Name, ".")) {
		return false
	}
	if q.Qclass != dns.ClassANY && !filterMatches(r.ClassFilter, dns.ClassToString[q.Qclass]) {
		return false
	}
	if q.Qtype != dns.TypeANY && !filterMatches(r.TypeFilter, dns.TypeToString[q.Qtype]) {
		return false
	}
	return true
}

func filterMatches(filter, mnemonic string) bool {
	return filter == Wildcard || (mnemonic != "" && strings.EqualFold(filter, mnemonic))
}

// Record builds the rule's answer for q.
func (r *Rule) Record(q dns.Question, ttl uint32) dns.RR {
	hdr := dns.RR_Header{
		Name:   dns.Fqdn(q.Name),
		Rrtype: r.rrtype,
		Class:  dns.ClassINET,
		Ttl:    ttl,
	}

	switch r.rrtype {
	case dns.TypeA:
		return &dns.A{Hdr: hdr, A: r.ip.To4()}
	case dns.TypeAAAA:
		return &dns.AAAA{Hdr: hdr, AAAA: r.ip}
	case dns.TypeMX:
		return &dns.MX{Hdr: hdr, Preference: r.preference, Mx: r.target}
	case dns.TypeNS:
		return &dns.NS{Hdr: hdr, Ns: r.target}
	}
	return nil
}

// Remap returns one record per matching rule, in declaration order.
// An empty result means no rule applies.
func Remap(q dns.Question, rules []Rule, ttl uint32) []dns.RR {
	var records []dns.RR
	for i := range rules {
		if !rules[i].Match(q) {
			continue
		}
		if rr := rules[i].Record(q, ttl); rr != nil {
			records = append(records, rr)
		}
	}
	return records
}
