package kernel

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// Rules let an operator override or default a response's Cache-Control and
// set additional headers before it reaches the store, keyed by method,
// exact path, path prefix, or query parameters.
type Rules []Rule

type Rule struct {
	Prefix   string            `yaml:"prefix"`
	Path     string            `yaml:"path"`
	Method   string            `yaml:"method"`
	Default  string            `yaml:"default"`
	Override string            `yaml:"override"`
	Query    map[string]string `yaml:"query"`
	Headers  map[string]string `yaml:"headers"`
}

// Apply mutates res in place according to the first matching rule for req.
func (rs Rules) Apply(req *http.Request, res *http.Response) {
	rule := rs.find(req)
	if rule == nil {
		return
	}
	if rule.Override != "" {
		log.Trace().Str("path", req.URL.Path).Msg("overriding Cache-Control")
		res.Header.Set("Cache-Control", rule.Override)
	} else if rule.Default != "" && res.Header.Get("Cache-Control") == "" {
		log.Trace().Str("path", req.URL.Path).Msg("applying default Cache-Control")
		res.Header.Set("Cache-Control", rule.Default)
	}
	for name, value := range rule.Headers {
		res.Header.Set(name, value)
	}
}

func (rs Rules) find(req *http.Request) *Rule {
rulesLoop:
	for i, rule := range rs {
		if rule.Method == "" && req.Method != http.MethodGet {
			continue
		}
		if rule.Method != "" && rule.Method != req.Method {
			continue
		}
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := req.URL.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				}
				if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return &rs[i]
	}
	return nil
}
